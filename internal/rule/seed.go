package rule

import (
	"fmt"

	"recap/internal/config"
)

// seedFile is the on-disk shape of a schedule seed file:
//
//	schedules:
//	  - id: weekly-standup
//	    owner_id: u_100
//	    ...
type seedFile struct {
	Schedules []Schedule `json:"schedules"`
}

// LoadFile reads a YAML or JSON seed file of schedules. Every schedule is
// validated; the first invalid one fails the whole load so a partially broken
// file never half-seeds the store.
func LoadFile(path string) ([]Schedule, error) {
	var f seedFile
	if err := config.DecodeFileStrict(path, &f); err != nil {
		return nil, fmt.Errorf("schedules file %s: %w", path, err)
	}
	for i := range f.Schedules {
		if err := f.Schedules[i].Validate(); err != nil {
			return nil, fmt.Errorf("schedules file %s: schedule %q: %w", path, f.Schedules[i].ID, err)
		}
	}
	return f.Schedules, nil
}
