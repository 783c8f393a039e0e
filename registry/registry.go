// Package registry loads the point registry: the CSV file mapping EDS points
// to RJN Clarity project/entity pairs.
package registry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/eddielth/eds-sync/config"
	"github.com/eddielth/eds-sync/logger"
	"github.com/eddielth/eds-sync/transformer"
	"github.com/eddielth/eds-sync/validator"
)

// Accepted header names per column, in order of preference
var (
	sourcePointColumns = []string{"iess", "sid"}
	groupColumns       = []string{"zd", "source_group"}
	projectColumns     = []string{"rjn_projectid"}
	entityColumns      = []string{"rjn_entityid"}
	conversionColumns  = []string{"conversion"}
)

// PointMapping describes one point to synchronize
type PointMapping struct {
	SourcePointID        string `validate:"required"`
	SourceGroup          string `validate:"required"`
	DestinationProjectID string `validate:"required"`
	DestinationEntityID  string `validate:"required"`
	// Conversion names a configured conversion script, empty for none
	Conversion     string
	UnitConversion transformer.ConversionFunc `validate:"-"`
}

// Group is the set of mappings served by one source session
type Group struct {
	Name     string
	Mappings []PointMapping
}

// PointIDs returns the source point ids of the group in mapping order
func (g Group) PointIDs() []string {
	ids := make([]string, len(g.Mappings))
	for i, m := range g.Mappings {
		ids[i] = m.SourcePointID
	}
	return ids
}

// Registry is the immutable set of mappings of one cycle
type Registry struct {
	Mappings []PointMapping
}

// Groups returns the mappings grouped by source group, groups ordered by
// their first appearance.
func (r *Registry) Groups() []Group {
	var groups []Group
	index := make(map[string]int)

	for _, m := range r.Mappings {
		i, ok := index[m.SourceGroup]
		if !ok {
			i = len(groups)
			index[m.SourceGroup] = i
			groups = append(groups, Group{Name: m.SourceGroup})
		}
		groups[i].Mappings = append(groups[i].Mappings, m)
	}
	return groups
}

// Resolver maps a conversion name to its function
type Resolver func(name string) (transformer.ConversionFunc, error)

// Load reads the registry CSV at path. Rows without RJN identifiers are not
// synchronized and are skipped.
func Load(path string, resolve Resolver) (*Registry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: registry %s: %w", config.ErrConfiguration, path, err)
	}
	defer file.Close()

	reg, err := Parse(file, resolve)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	return reg, nil
}

// Parse reads a registry from r
func Parse(r io.Reader, resolve Resolver) (*Registry, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty registry", config.ErrConfiguration)
		}
		return nil, fmt.Errorf("%w: read header: %w", config.ErrConfiguration, err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}

	pointCol := findColumn(cols, sourcePointColumns)
	groupCol := findColumn(cols, groupColumns)
	projectCol := findColumn(cols, projectColumns)
	entityCol := findColumn(cols, entityColumns)
	conversionCol := findColumn(cols, conversionColumns)

	for name, col := range map[string]int{"iess/sid": pointCol, "zd/source_group": groupCol, "rjn_projectid": projectCol, "rjn_entityid": entityCol} {
		if col < 0 {
			return nil, fmt.Errorf("%w: missing column %s", config.ErrConfiguration, name)
		}
	}

	reg := &Registry{}
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", config.ErrConfiguration, line, err)
		}

		m := PointMapping{
			SourcePointID:        field(record, pointCol),
			SourceGroup:          field(record, groupCol),
			DestinationProjectID: field(record, projectCol),
			DestinationEntityID:  field(record, entityCol),
			Conversion:           field(record, conversionCol),
		}

		if m.DestinationProjectID == "" && m.DestinationEntityID == "" {
			logger.Debug("registry line %d: %s has no RJN mapping, skipped", line, m.SourcePointID)
			continue
		}
		if err := validator.Struct(&m); err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", config.ErrConfiguration, line, err)
		}

		if resolve != nil {
			if m.UnitConversion, err = resolve(m.Conversion); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
		}

		reg.Mappings = append(reg.Mappings, m)
	}

	return reg, nil
}

func findColumn(cols map[string]int, names []string) int {
	for _, name := range names {
		if i, ok := cols[name]; ok {
			return i
		}
	}
	return -1
}

func field(record []string, col int) string {
	if col < 0 || col >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[col])
}
