// Package profile holds the durable activity statistics the detector learns
// from: per-extension and per-directory counters plus the raw feature
// samples used for training.
package profile

import (
	"time"

	"github.com/lucid-vigil/fileguard/pkg/reputation"
)

// ExtensionStat counts files seen with one extension.
type ExtensionStat struct {
	Count     uint64            `json:"count"`
	LastSeen  time.Time         `json:"last_seen"`
	Locations map[string]uint64 `json:"locations"`
}

// LocationStat counts files seen with one extension in one directory.
type LocationStat struct {
	Count    uint64    `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

// HostInfo identifies the machine a profile was learned on.
type HostInfo struct {
	Hostname        string    `json:"hostname"`
	OS              string    `json:"os"`
	Platform        string    `json:"platform"`
	PlatformVersion string    `json:"platform_version,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Profile is not safe for concurrent use; the engine serializes access.
type Profile struct {
	Host                *HostInfo                           `json:"host,omitempty"`
	TotalFilesProcessed uint64                              `json:"total_files_processed"`
	LastTrainedCount    uint64                              `json:"last_trained_count"`
	ExtensionStats      map[string]*ExtensionStat           `json:"extension_stats"`
	LocationStats       map[string]map[string]*LocationStat `json:"location_stats"`
	TrainingSamples     [][]float64                         `json:"training_samples"`
	ReputationCache     map[string]*reputation.Verdict      `json:"reputation_cache"`
}

// New returns an empty profile.
func New() *Profile {
	p := &Profile{}
	p.normalize()
	return p
}

func (p *Profile) normalize() {
	if p.ExtensionStats == nil {
		p.ExtensionStats = make(map[string]*ExtensionStat)
	}
	for ext, st := range p.ExtensionStats {
		if st == nil {
			st = &ExtensionStat{}
			p.ExtensionStats[ext] = st
		}
		if st.Locations == nil {
			st.Locations = make(map[string]uint64)
		}
	}
	if p.LocationStats == nil {
		p.LocationStats = make(map[string]map[string]*LocationStat)
	}
	for dir, byExt := range p.LocationStats {
		if byExt == nil {
			p.LocationStats[dir] = make(map[string]*LocationStat)
			continue
		}
		for ext, st := range byExt {
			if st == nil {
				byExt[ext] = &LocationStat{}
			}
		}
	}
	if p.TrainingSamples == nil {
		p.TrainingSamples = [][]float64{}
	}
	if p.ReputationCache == nil {
		p.ReputationCache = make(map[string]*reputation.Verdict)
	}
	if p.LastTrainedCount > p.TotalFilesProcessed {
		p.LastTrainedCount = p.TotalFilesProcessed
	}
}

// Extension returns the stat for ext, creating it when absent.
func (p *Profile) Extension(ext string) *ExtensionStat {
	st, ok := p.ExtensionStats[ext]
	if !ok {
		st = &ExtensionStat{Locations: make(map[string]uint64)}
		p.ExtensionStats[ext] = st
	}
	return st
}

// Location returns the stat for (dir, ext), creating it when absent.
func (p *Profile) Location(dir, ext string) *LocationStat {
	byExt, ok := p.LocationStats[dir]
	if !ok {
		byExt = make(map[string]*LocationStat)
		p.LocationStats[dir] = byExt
	}
	st, ok := byExt[ext]
	if !ok {
		st = &LocationStat{}
		byExt[ext] = st
	}
	return st
}

// Record accounts for one successfully extracted file and appends its
// feature vector to the training samples.
func (p *Profile) Record(dir, ext string, vector []float64, now time.Time) {
	es := p.Extension(ext)
	es.Count++
	es.LastSeen = now
	es.Locations[dir]++

	ls := p.Location(dir, ext)
	ls.Count++
	ls.LastSeen = now

	v := make([]float64, len(vector))
	copy(v, vector)
	p.TrainingSamples = append(p.TrainingSamples, v)
	p.TotalFilesProcessed++
}

// SinceTraining returns how many files were processed after the last training.
func (p *Profile) SinceTraining() uint64 {
	return p.TotalFilesProcessed - p.LastTrainedCount
}

// MarkTrained records that a model now reflects every processed file.
func (p *Profile) MarkTrained() {
	p.LastTrainedCount = p.TotalFilesProcessed
}

// Reset drops all counters, samples and cached verdicts. The host header is kept.
func (p *Profile) Reset() {
	host := p.Host
	*p = Profile{Host: host}
	p.normalize()
}

// Clone returns a deep copy, suitable for saving outside the engine lock.
func (p *Profile) Clone() *Profile {
	out := &Profile{
		TotalFilesProcessed: p.TotalFilesProcessed,
		LastTrainedCount:    p.LastTrainedCount,
		ExtensionStats:      make(map[string]*ExtensionStat, len(p.ExtensionStats)),
		LocationStats:       make(map[string]map[string]*LocationStat, len(p.LocationStats)),
		TrainingSamples:     make([][]float64, len(p.TrainingSamples)),
		ReputationCache:     make(map[string]*reputation.Verdict, len(p.ReputationCache)),
	}
	if p.Host != nil {
		h := *p.Host
		out.Host = &h
	}
	for ext, st := range p.ExtensionStats {
		cp := &ExtensionStat{Count: st.Count, LastSeen: st.LastSeen, Locations: make(map[string]uint64, len(st.Locations))}
		for dir, n := range st.Locations {
			cp.Locations[dir] = n
		}
		out.ExtensionStats[ext] = cp
	}
	for dir, byExt := range p.LocationStats {
		m := make(map[string]*LocationStat, len(byExt))
		for ext, st := range byExt {
			cp := *st
			m[ext] = &cp
		}
		out.LocationStats[dir] = m
	}
	for i, v := range p.TrainingSamples {
		out.TrainingSamples[i] = append([]float64(nil), v...)
	}
	for h, v := range p.ReputationCache {
		if v == nil {
			out.ReputationCache[h] = nil
			continue
		}
		cp := *v
		out.ReputationCache[h] = &cp
	}
	return out
}
