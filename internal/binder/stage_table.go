package binder

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// StageTable maps CRM procedure ids to scenario stages.
type StageTable struct {
	stages map[int64]int
}

// DefaultStageTable is the clinic's standard treatment pathway. Deployments
// with a different catalogue load their own table from YAML.
func DefaultStageTable() *StageTable {
	return NewStageTable(map[int64]int{
		4320: 1, // first consultation
		4321: 1,
		4322: 2, // stimulation start
		4323: 2,
		4324: 3, // monitoring ultrasound
		4325: 3,
		4326: 4, // puncture
		4327: 4,
		4328: 5, // transfer
		4329: 5,
		4331: 5, // pregnancy test
		4332: 6, // confirmed pregnancy follow-up
		4333: 6,
		4334: 6,
	})
}

func NewStageTable(m map[int64]int) *StageTable {
	stages := make(map[int64]int, len(m))
	for k, v := range m {
		stages[k] = v
	}
	return &StageTable{stages: stages}
}

type stageFile struct {
	Procedures []struct {
		ID    int64 `yaml:"id"`
		Stage int   `yaml:"stage"`
	} `yaml:"procedures"`
}

// LoadStageTable reads a YAML file of the form
//
//	procedures:
//	  - id: 4331
//	    stage: 5
func LoadStageTable(path string) (*StageTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("binder: read stage table: %w", err)
	}
	return ParseStageTable(raw)
}

func ParseStageTable(raw []byte) (*StageTable, error) {
	var file stageFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("binder: parse stage table: %w", err)
	}
	if len(file.Procedures) == 0 {
		return nil, fmt.Errorf("binder: stage table has no procedures")
	}
	m := make(map[int64]int, len(file.Procedures))
	for _, p := range file.Procedures {
		if p.ID <= 0 || p.Stage < 1 {
			return nil, fmt.Errorf("binder: invalid stage table entry id=%d stage=%d", p.ID, p.Stage)
		}
		if _, dup := m[p.ID]; dup {
			return nil, fmt.Errorf("binder: procedure %d listed twice", p.ID)
		}
		m[p.ID] = p.Stage
	}
	return NewStageTable(m), nil
}

// Stage returns the stage of a procedure and whether it is mapped.
func (t *StageTable) Stage(procedureID int64) (int, bool) {
	if t == nil {
		return 0, false
	}
	s, ok := t.stages[procedureID]
	return s, ok
}

// Procedures lists the mapped procedure ids in ascending order.
func (t *StageTable) Procedures() []int64 {
	out := make([]int64, 0, len(t.stages))
	for id := range t.stages {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
