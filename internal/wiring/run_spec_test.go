package wiring

import (
	"context"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"promptfuzz/internal/fuzzloop"
	"promptfuzz/internal/program"
	"promptfuzz/internal/store"
)

var _ = ginkgo.Describe("Run", func() {
	var cfg Config

	ginkgo.BeforeEach(func() {
		cfg = Config{
			Dir:            ginkgo.GinkgoT().TempDir(),
			Library:        "zlib",
			APIs:           []string{"inflateInit", "inflate", "inflateEnd"},
			NSample:        3,
			ConvergeRounds: 2,
			MaxRounds:      30,
			Seed:           1,
		}
	})

	ginkgo.It("converges with every seed accepted and stored", func() {
		res, err := Run(context.Background(), cfg)
		gomega.Expect(err).To(gomega.Succeed())
		gomega.Expect(res.State).To(gomega.Equal(fuzzloop.Converged))
		gomega.Expect(res.Seeds).To(gomega.Equal(3 * res.Loops))

		st, err := store.Open(res.Layout.DBPath())
		gomega.Expect(err).To(gomega.Succeed())
		defer st.Close()
		rejected, err := st.ListPrograms(program.StatusRejected)
		gomega.Expect(err).To(gomega.Succeed())
		gomega.Expect(rejected).To(gomega.BeEmpty())
		rounds, err := st.ListRounds()
		gomega.Expect(err).To(gomega.Succeed())
		gomega.Expect(rounds).To(gomega.HaveLen(res.Loops))
	})

	ginkgo.It("honours the round limit", func() {
		cfg.ConvergeRounds = 100
		cfg.MaxRounds = 2
		res, err := Run(context.Background(), cfg)
		gomega.Expect(err).To(gomega.Succeed())
		gomega.Expect(res.State).To(gomega.Equal(fuzzloop.Running))
		gomega.Expect(res.Loops).To(gomega.Equal(2))
	})
})
