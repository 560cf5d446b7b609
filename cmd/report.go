/*
Copyright © 2025 Valentyn Solomko <valentyn.solomko@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/valpere/mdtrans/internal"
	"github.com/valpere/mdtrans/internal/merger"
	"github.com/valpere/mdtrans/internal/pipeline"
)

// runReport is written by translate --report.
type runReport struct {
	Run         internal.Run     `yaml:"run" json:"run"`
	Stats       merger.Stats     `yaml:"stats" json:"stats"`
	SuccessRate float64          `yaml:"success_rate" json:"success_rate"`
	Failures    []merger.Failure `yaml:"failures,omitempty" json:"failures,omitempty"`
	Warnings    []string         `yaml:"warnings,omitempty" json:"warnings,omitempty"`
}

func newRunReport(run internal.Run, res *pipeline.Result) runReport {
	return runReport{
		Run:         run,
		Stats:       res.Stats,
		SuccessRate: res.Stats.SuccessRate(),
		Failures:    res.Failures,
		Warnings:    res.Warnings,
	}
}

// writeReport encodes report as YAML for .yaml and .yml paths and as JSON
// otherwise.
func writeReport(path string, report runReport) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(report)
	default:
		data, err = json.MarshalIndent(report, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
