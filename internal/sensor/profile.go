package sensor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProfileBlock is one interval of a simulated ride
type ProfileBlock struct {
	StartFTPMult  float64       // Starting power as FTP multiplier (e.g., 0.75 = 75% FTP)
	EndFTPMult    float64       // Ending power as FTP multiplier (for ramps)
	TargetCadence int           // Cadence in RPM
	ResistancePct uint8         // Reported resistance, ResistanceUnknown if not set
	Duration      time.Duration // Duration of this block
}

// Profile is a timed sequence of blocks the simulator rides through
type Profile struct {
	Name   string
	Blocks []ProfileBlock
}

// TotalDuration returns the total duration of all blocks in the profile
func (p *Profile) TotalDuration() time.Duration {
	var total time.Duration
	for _, block := range p.Blocks {
		total += block.Duration
	}
	return total
}

// ProfileProgress describes where in a profile a ride currently is
type ProfileProgress struct {
	Name             string
	BlockIdx         int
	BlockCount       int
	Elapsed          time.Duration
	Remaining        time.Duration
	BlockElapsed     time.Duration
	BlockRemaining   time.Duration
	TargetFTPMult    float64       // interpolated for ramps
	TargetPowerW     float64
	TargetCadence    int
	TargetResistance uint8
	Complete         bool
}

// ProgressAt computes the targets at elapsed ride time for a rider with the given FTP
func (p *Profile) ProgressAt(elapsed time.Duration, ftp int) ProfileProgress {
	total := p.TotalDuration()
	progress := ProfileProgress{
		Name:             p.Name,
		BlockCount:       len(p.Blocks),
		Elapsed:          elapsed,
		TargetResistance: ResistanceUnknown,
	}
	if len(p.Blocks) == 0 {
		progress.Complete = true
		return progress
	}
	if elapsed >= total {
		progress.Elapsed = total
		progress.BlockIdx = len(p.Blocks) - 1
		progress.Complete = true
		return progress
	}
	progress.Remaining = total - elapsed

	var blockStart time.Duration
	for i, block := range p.Blocks {
		blockEnd := blockStart + block.Duration
		if elapsed < blockEnd {
			progress.BlockIdx = i
			progress.BlockElapsed = elapsed - blockStart
			progress.BlockRemaining = blockEnd - elapsed
			if block.Duration > 0 {
				frac := float64(progress.BlockElapsed) / float64(block.Duration)
				progress.TargetFTPMult = block.StartFTPMult + (block.EndFTPMult-block.StartFTPMult)*frac
			} else {
				progress.TargetFTPMult = block.StartFTPMult
			}
			progress.TargetPowerW = progress.TargetFTPMult * float64(ftp)
			progress.TargetCadence = block.TargetCadence
			progress.TargetResistance = block.ResistancePct
			return progress
		}
		blockStart = blockEnd
	}
	return progress
}

func steady(mult float64, cadence int, d time.Duration) ProfileBlock {
	return ProfileBlock{StartFTPMult: mult, EndFTPMult: mult, TargetCadence: cadence, ResistancePct: ResistanceUnknown, Duration: d}
}

func ramp(from, to float64, cadence int, d time.Duration) ProfileBlock {
	return ProfileBlock{StartFTPMult: from, EndFTPMult: to, TargetCadence: cadence, ResistancePct: ResistanceUnknown, Duration: d}
}

// BuiltinProfiles are always available to the simulator
var BuiltinProfiles = []Profile{
	{
		Name: "Steady Endurance",
		Blocks: []ProfileBlock{
			ramp(0.40, 0.65, 85, 5*time.Minute),
			steady(0.65, 90, 50*time.Minute),
			ramp(0.65, 0.40, 85, 5*time.Minute),
		},
	},
	{
		Name: "Recovery Spin",
		Blocks: []ProfileBlock{
			ramp(0.40, 0.45, 90, 10*time.Minute),
			steady(0.45, 90, 25*time.Minute),
			ramp(0.45, 0.35, 85, 10*time.Minute),
		},
	},
	{
		Name: "5x5 Threshold Intervals",
		Blocks: []ProfileBlock{
			steady(0.50, 90, 5*time.Minute),
			steady(1.00, 95, 5*time.Minute), steady(0.50, 85, 3*time.Minute),
			steady(1.00, 95, 5*time.Minute), steady(0.50, 85, 3*time.Minute),
			steady(1.00, 95, 5*time.Minute), steady(0.50, 85, 3*time.Minute),
			steady(1.00, 95, 5*time.Minute), steady(0.50, 85, 3*time.Minute),
			steady(1.00, 95, 5*time.Minute), steady(0.50, 85, 5*time.Minute),
		},
	},
	{
		Name: "Ramp Test",
		Blocks: []ProfileBlock{
			steady(0.50, 90, 5*time.Minute),
			ramp(0.50, 1.50, 95, 20*time.Minute),
			steady(0.40, 80, 5*time.Minute),
		},
	},
	{
		Name: "Sprint Check",
		Blocks: []ProfileBlock{
			steady(0.50, 90, 2*time.Minute),
			steady(3.00, 120, 15*time.Second),
			steady(0.40, 80, 2*time.Minute),
		},
	},
}

// FindProfile returns the profile with the given name, compared case-insensitively
func FindProfile(profiles []Profile, name string) (*Profile, error) {
	for i := range profiles {
		if strings.EqualFold(profiles[i].Name, name) {
			return &profiles[i], nil
		}
	}
	return nil, fmt.Errorf("profile %q not found", name)
}

type profileFileYAML struct {
	Profiles []profileYAML `yaml:"profiles"`
}

type profileYAML struct {
	Name   string      `yaml:"name"`
	Blocks []blockYAML `yaml:"blocks"`
}

type blockYAML struct {
	FTP        *float64 `yaml:"ftp"`
	StartFTP   *float64 `yaml:"start_ftp"`
	EndFTP     *float64 `yaml:"end_ftp"`
	Cadence    int      `yaml:"cadence"`
	Resistance *int     `yaml:"resistance"`
	Duration   string   `yaml:"duration"`
}

// LoadProfiles parses a YAML profile list:
//
//	profiles:
//	  - name: Tempo
//	    blocks:
//	      - {ftp: 0.5, cadence: 90, duration: 5m}
//	      - {start_ftp: 0.5, end_ftp: 0.85, cadence: 95, duration: 10m}
func LoadProfiles(r io.Reader) ([]Profile, error) {
	var file profileFileYAML
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decoding profiles: %w", err)
	}

	profiles := make([]Profile, 0, len(file.Profiles))
	for pi, py := range file.Profiles {
		if py.Name == "" {
			return nil, fmt.Errorf("profile %d: name is required", pi)
		}
		p := Profile{Name: py.Name}
		for bi, by := range py.Blocks {
			block, err := by.toBlock()
			if err != nil {
				return nil, fmt.Errorf("profile %q block %d: %w", py.Name, bi, err)
			}
			p.Blocks = append(p.Blocks, block)
		}
		if len(p.Blocks) == 0 {
			return nil, fmt.Errorf("profile %q has no blocks", py.Name)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func (b blockYAML) toBlock() (ProfileBlock, error) {
	d, err := time.ParseDuration(b.Duration)
	if err != nil {
		return ProfileBlock{}, fmt.Errorf("bad duration %q: %w", b.Duration, err)
	}
	if d <= 0 {
		return ProfileBlock{}, fmt.Errorf("duration must be positive, got %v", d)
	}

	block := ProfileBlock{TargetCadence: b.Cadence, ResistancePct: ResistanceUnknown, Duration: d}
	switch {
	case b.FTP != nil && b.StartFTP == nil && b.EndFTP == nil:
		block.StartFTPMult, block.EndFTPMult = *b.FTP, *b.FTP
	case b.FTP == nil && b.StartFTP != nil && b.EndFTP != nil:
		block.StartFTPMult, block.EndFTPMult = *b.StartFTP, *b.EndFTP
	default:
		return ProfileBlock{}, errors.New("set either ftp or both start_ftp and end_ftp")
	}
	if block.StartFTPMult < 0 || block.EndFTPMult < 0 {
		return ProfileBlock{}, errors.New("ftp multipliers cannot be negative")
	}
	if b.Cadence < 0 || b.Cadence > MaxSimulatedCadence {
		return ProfileBlock{}, fmt.Errorf("cadence %d out of range 0..%d", b.Cadence, MaxSimulatedCadence)
	}
	if b.Resistance != nil {
		if *b.Resistance < 0 || *b.Resistance > 100 {
			return ProfileBlock{}, fmt.Errorf("resistance %d out of range 0..100", *b.Resistance)
		}
		block.ResistancePct = uint8(*b.Resistance)
	}
	return block, nil
}

// LoadProfileFile reads profiles from a YAML file
func LoadProfileFile(path string) ([]Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening profile file: %w", err)
	}
	defer f.Close()
	profiles, err := LoadProfiles(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return profiles, nil
}

// AllProfiles returns the built-in profiles followed by those from path, if set.
// A file profile with a built-in's name replaces it.
func AllProfiles(path string) ([]Profile, error) {
	result := append([]Profile(nil), BuiltinProfiles...)
	if path == "" {
		return result, nil
	}
	extra, err := LoadProfileFile(path)
	if err != nil {
		return nil, err
	}
	for _, p := range extra {
		replaced := false
		for i := range result {
			if strings.EqualFold(result[i].Name, p.Name) {
				result[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			result = append(result, p)
		}
	}
	return result, nil
}
