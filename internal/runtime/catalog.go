package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/drblury/conditionflow/internal/runtime/records"
	"github.com/drblury/conditionflow/store"
)

type resourceEntry struct {
	ID                  string `koanf:"id"`
	Name                string `koanf:"name"`
	Region              string `koanf:"region"`
	Country             string `koanf:"country"`
	ElevationBaseMeters int    `koanf:"elevation_base_meters"`
	ElevationTopMeters  int    `koanf:"elevation_top_meters"`
}

// LoadResources reads the "resources" list of a YAML or JSON file.
//
//	resources:
//	  - id: 5b0d7c1e-3c1f-4a7e-8d2e-1f0a9b6c4d01
//	    name: Alpine Peak
//	    country: CH
func LoadResources(path string) ([]records.Resource, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load resources file %s: %w", path, err)
	}

	var entries []resourceEntry
	if err := k.Unmarshal("resources", &entries); err != nil {
		return nil, fmt.Errorf("decode resources file %s: %w", path, err)
	}

	out := make([]records.Resource, 0, len(entries))
	var errs []error
	for i, e := range entries {
		id, err := records.ParseResourceID(e.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("resource %d: %w", i, err))
			continue
		}
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("resource %d (%s): name is required", i, id))
			continue
		}
		out = append(out, records.Resource{
			ID:                  id,
			Name:                e.Name,
			Region:              e.Region,
			Country:             e.Country,
			ElevationBaseMeters: e.ElevationBaseMeters,
			ElevationTopMeters:  e.ElevationTopMeters,
		})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("resources file %s: %w", path, err)
	}
	return out, nil
}

func seedCatalog(ctx context.Context, st store.Store, resources []records.Resource) error {
	for _, res := range resources {
		if err := st.PutResource(ctx, res); err != nil {
			return fmt.Errorf("seed resource %s: %w", res.ID, err)
		}
	}
	return nil
}
