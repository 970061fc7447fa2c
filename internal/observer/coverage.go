package observer

import (
	"encoding/json"
	"fmt"
	"os"
)

// Coverage is the branch coverage of one seed.
type Coverage struct {
	// Covered holds the ids of branches taken at least once.
	Covered map[string]struct{}
	// Functions maps a function name to all of its branch ids.
	Functions map[string]Function
}

// Function is the branch inventory of one function.
type Function struct {
	Branches []string
	Count    int64 // times the function was entered
}

// llvm-cov export -format=text layout; only the fields read here.
type covExport struct {
	Data []struct {
		Functions []struct {
			Name      string    `json:"name"`
			Count     int64     `json:"count"`
			Filenames []string  `json:"filenames"`
			Branches  [][]int64 `json:"branches"`
		} `json:"functions"`
	} `json:"data"`
}

// ParseCoverage reads an llvm-cov JSON export. Each branch region yields two
// ids, one per outcome: "<file>:<line>:<col>:T" and "...:F".
func ParseCoverage(data []byte) (*Coverage, error) {
	var exp covExport
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("parse coverage export: %w", err)
	}
	cov := &Coverage{Covered: make(map[string]struct{}), Functions: make(map[string]Function)}
	for _, d := range exp.Data {
		for _, fn := range d.Functions {
			file := ""
			if len(fn.Filenames) > 0 {
				file = fn.Filenames[0]
			}
			f := cov.Functions[fn.Name]
			f.Count += fn.Count
			for _, b := range fn.Branches {
				// [lineStart, colStart, lineEnd, colEnd, trueCount, falseCount, fileID, expandedFileID, kind]
				if len(b) < 6 {
					continue
				}
				base := fmt.Sprintf("%s:%d:%d", file, b[0], b[1])
				t, fl := base+":T", base+":F"
				f.Branches = append(f.Branches, t, fl)
				if b[4] > 0 {
					cov.Covered[t] = struct{}{}
				}
				if b[5] > 0 {
					cov.Covered[fl] = struct{}{}
				}
			}
			cov.Functions[fn.Name] = f
		}
	}
	return cov, nil
}

// LoadCoverage reads and parses the export at path.
func LoadCoverage(path string) (*Coverage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read coverage: %w", err)
	}
	return ParseCoverage(data)
}
