package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sorphin/ruida-laser/internal"
	"gopkg.in/yaml.v3"
)

type planDocument struct {
	Version    int         `json:"version" yaml:"version"`
	DeviceAddr string      `json:"device_addr" yaml:"device_addr"`
	Params     *planParams `json:"params" yaml:"params"`
	Jobs       []sendJob   `json:"jobs" yaml:"jobs"`
}

type planParams struct {
	MTU          *int `json:"mtu" yaml:"mtu"`
	AckTimeoutMs *int `json:"ack_timeout_ms" yaml:"ack_timeout_ms"`
	ChunkPauseMs *int `json:"chunk_pause_ms" yaml:"chunk_pause_ms"`
	DevicePort   *int `json:"device_port" yaml:"device_port"`
	LocalPort    *int `json:"local_port" yaml:"local_port"`
}

type sendJob struct {
	Path         string `json:"path" yaml:"path"`
	PauseAfterMs int    `json:"pause_after_ms" yaml:"pause_after_ms"`
}

func loadSendPlanDocument(path string) (*planDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	format := strings.ToLower(filepath.Ext(path))
	if format != ".yaml" && format != ".yml" && format != ".json" {
		format = ".yaml"
	}
	doc, err := decodePlanDocument(data, format)
	if err != nil {
		return nil, err
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	if doc.Version != 1 {
		return nil, fmt.Errorf("unsupported plan version %d", doc.Version)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func decodePlanDocument(data []byte, format string) (*planDocument, error) {
	var doc planDocument
	switch format {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse plan file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse plan file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown plan format %q", format)
	}
	return &doc, nil
}

func (doc *planDocument) validate() error {
	if len(doc.Jobs) == 0 {
		return fmt.Errorf("plan has no jobs")
	}
	for i, job := range doc.Jobs {
		if strings.TrimSpace(job.Path) == "" {
			return fmt.Errorf("jobs[%d] missing path", i)
		}
		if job.PauseAfterMs < 0 {
			return fmt.Errorf("jobs[%d] negative pause_after_ms", i)
		}
	}
	return nil
}

func applyPlanParams(cfg *internal.SenderConfig, params *planParams) {
	if params == nil {
		return
	}
	if params.MTU != nil {
		cfg.MTU = *params.MTU
	}
	if params.AckTimeoutMs != nil {
		cfg.AckTimeoutMs = *params.AckTimeoutMs
	}
	if params.ChunkPauseMs != nil {
		cfg.ChunkPauseMs = *params.ChunkPauseMs
	}
	if params.DevicePort != nil {
		cfg.DevicePort = *params.DevicePort
	}
	if params.LocalPort != nil {
		cfg.LocalPort = *params.LocalPort
	}
}
