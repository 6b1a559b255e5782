// Package version хранит сведения о сборке. Значения проставляются через
// -ldflags "-X github.com/vladislavdragonenkov/posreserve/internal/version.version=...";
// без них коммит и дата берутся из debug.BuildInfo, если go build записал данные VCS.
package version

import (
	"runtime/debug"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

// Build: сведения о сборке.
type Build struct {
	Version string
	Commit  string
	Date    string
	Dirty   bool
}

var (
	once    sync.Once
	current Build
)

// Current возвращает сведения о текущей сборке.
func Current() Build {
	once.Do(func() {
		current = resolve(version, commit, date, debug.ReadBuildInfo)
	})
	return current
}

func resolve(v, c, d string, read func() (*debug.BuildInfo, bool)) Build {
	b := Build{Version: v, Commit: c, Date: d}
	if info, ok := read(); ok {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if b.Commit == "" {
					b.Commit = s.Value
				}
			case "vcs.time":
				if b.Date == "" {
					b.Date = s.Value
				}
			case "vcs.modified":
				b.Dirty = s.Value == "true"
			}
		}
	}
	if len(b.Commit) > 12 {
		b.Commit = b.Commit[:12]
	}
	if b.Commit == "" {
		b.Commit = "unknown"
	}
	if b.Date == "" {
		b.Date = "unknown"
	}
	return b
}

// GetVersion возвращает версию сборки.
func GetVersion() string { return Current().Version }

// Fields: поля для стартовой записи в лог.
func Fields() log.Fields {
	b := Current()
	return log.Fields{"version": b.Version, "commit": b.Commit, "build_date": b.Date, "dirty": b.Dirty}
}
