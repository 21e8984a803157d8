package probe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database checks that the progress database answers.
func Database(p Pinger) Probe {
	return Probe{
		Name:     "Database",
		Critical: false, // progress degrades to memory
		Check: func(ctx context.Context) error {
			if p == nil {
				return fmt.Errorf("no database configured")
			}
			return p.PingContext(ctx)
		},
	}
}

// ToursDir checks that the tours directory exists and holds at least one tour.
func ToursDir(dir string) Probe {
	return Probe{
		Name:     "Tours Directory",
		Critical: true,
		Check: func(ctx context.Context) error {
			info, err := os.Stat(dir)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}
			entries, err := os.ReadDir(dir)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.IsDir() {
					if files, _ := filepath.Glob(filepath.Join(dir, e.Name(), "*.*")); len(files) > 0 {
						return nil
					}
				}
			}
			return fmt.Errorf("no tours found in %s", dir)
		},
	}
}

// AudioOutput checks that the audio device can be opened. Without it playback
// requests are reported as blocked, so it is not critical.
func AudioOutput(initFn func() error) Probe {
	return Probe{
		Name: "Audio Output",
		Check: func(ctx context.Context) error {
			return initFn()
		},
	}
}
