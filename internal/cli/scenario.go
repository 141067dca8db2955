package cli

import (
	"fmt"
	"os"

	"k8s.io/apimachinery/pkg/util/json"
	"sigs.k8s.io/yaml"

	"github.com/l7mp/ivm/pkg/host"
	"github.com/l7mp/ivm/pkg/ivm"
	"github.com/l7mp/ivm/pkg/pipeline"
)

// Scenario is a set of tables, the queries registered on them and the transactions applied to
// them.
type Scenario struct {
	Tables       []Table            `json:"tables,omitempty"`
	Queries      []NamedQuery       `json:"queries"`
	Transactions []host.Transaction `json:"transactions,omitempty"`
}

// Table is a table and its initial rows.
type Table struct {
	host.TableSpec
	Rows []ivm.Row `json:"rows,omitempty"`
}

// NamedQuery is a query and the name its results are printed under.
type NamedQuery struct {
	Name       string         `json:"name"`
	MinVersion int64          `json:"minVersion,omitempty"`
	Query      pipeline.Query `json:"query"`
}

// LoadScenario reads a scenario from a YAML or JSON file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScenario(data)
}

// ParseScenario decodes a scenario. Integral numbers are decoded as int64.
func ParseScenario(data []byte) (*Scenario, error) {
	j, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	s := &Scenario{}
	if err := json.Unmarshal(j, s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	names := map[string]bool{}
	for i, q := range s.Queries {
		if q.Name == "" {
			return nil, fmt.Errorf("invalid scenario: query %d has no name", i)
		}
		if names[q.Name] {
			return nil, fmt.Errorf("invalid scenario: duplicate query name %q", q.Name)
		}
		names[q.Name] = true
		if err := s.Queries[i].Query.Validate(); err != nil {
			return nil, fmt.Errorf("invalid scenario: query %q: %w", q.Name, err)
		}
	}
	return s, nil
}

// Query returns the query with the given name.
func (s *Scenario) Query(name string) (*NamedQuery, bool) {
	for i := range s.Queries {
		if s.Queries[i].Name == name {
			return &s.Queries[i], true
		}
	}
	return nil, false
}
