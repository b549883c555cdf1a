package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RegionFile is the seed document for the region hierarchy.
type RegionFile struct {
	Regions []RegionSeed `yaml:"regions"`
}

type RegionSeed struct {
	Name         string          `yaml:"name"`
	Slug         string          `yaml:"slug"`
	Abbreviation string          `yaml:"abbreviation"`
	SubRegions   []SubRegionSeed `yaml:"subregions"`
}

type SubRegionSeed struct {
	Name         string  `yaml:"name"`
	Slug         string  `yaml:"slug"`
	Lat          float64 `yaml:"lat"`
	Lng          float64 `yaml:"lng"`
	RadiusMeters int     `yaml:"radius_m"`
}

const defaultRadiusMeters = 25000

func LoadRegions(path string) (*RegionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRegions(data)
}

func ParseRegions(data []byte) (*RegionFile, error) {
	var rf RegionFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse regions: %w", err)
	}

	seen := make(map[string]bool)
	for i := range rf.Regions {
		r := &rf.Regions[i]
		if r.Name == "" || r.Slug == "" {
			return nil, fmt.Errorf("region %d: name and slug are required", i)
		}
		if seen[r.Slug] {
			return nil, fmt.Errorf("duplicate region slug %q", r.Slug)
		}
		seen[r.Slug] = true

		subSeen := make(map[string]bool)
		for j := range r.SubRegions {
			s := &r.SubRegions[j]
			if s.Name == "" || s.Slug == "" {
				return nil, fmt.Errorf("region %s subregion %d: name and slug are required", r.Slug, j)
			}
			if subSeen[s.Slug] {
				return nil, fmt.Errorf("region %s: duplicate subregion slug %q", r.Slug, s.Slug)
			}
			subSeen[s.Slug] = true
			if s.Lat < -90 || s.Lat > 90 || s.Lng < -180 || s.Lng > 180 {
				return nil, fmt.Errorf("subregion %s: coordinates out of range", s.Slug)
			}
			if s.RadiusMeters <= 0 {
				s.RadiusMeters = defaultRadiusMeters
			}
		}
	}
	return &rf, nil
}
