package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/meigma/tensorcache/pipeline"
	"github.com/meigma/tensorcache/tensor"
)

type loadParams struct {
	Keys  []string `yaml:"keys"`
	DType string   `yaml:"dtype"`
}

type spacingParams struct {
	Keys []string   `yaml:"keys"`
	From [2]float64 `yaml:"from"`
	To   [2]float64 `yaml:"to"`
	Mode string     `yaml:"mode"`
}

type resizeParams struct {
	Keys []string `yaml:"keys"`
	Size [2]int   `yaml:"size"`
	Mode string   `yaml:"mode"`
}

type resizeCropParams struct {
	Keys []string `yaml:"keys"`
	Size [2]int   `yaml:"size"`
}

type scaleParams struct {
	Keys []string `yaml:"keys"`
	Min  float64  `yaml:"min"`
	Max  float64  `yaml:"max"`
}

type flipParams struct {
	Keys []string `yaml:"keys"`
	Prob float64  `yaml:"prob"`
	Axis int      `yaml:"axis"`
	Seed *uint64  `yaml:"seed"`
}

type rotateParams struct {
	Keys     []string `yaml:"keys"`
	Prob     float64  `yaml:"prob"`
	MaxAngle float64  `yaml:"max_angle"`
	Mode     string   `yaml:"mode"`
	Seed     *uint64  `yaml:"seed"`
}

type zoomParams struct {
	Keys []string `yaml:"keys"`
	Prob float64  `yaml:"prob"`
	Min  float64  `yaml:"min"`
	Max  float64  `yaml:"max"`
	Mode string   `yaml:"mode"`
	Seed *uint64  `yaml:"seed"`
}

// Step decodes the entry into a pipeline step.
func (sc StageConfig) Step() (pipeline.Step, error) {
	stage, err := sc.stage()
	if err != nil {
		return pipeline.Step{}, err
	}
	step := pipeline.Auto(stage)
	if sc.Deterministic != nil {
		step.Deterministic = *sc.Deterministic
	}
	return step, nil
}

func (sc StageConfig) stage() (pipeline.Stage, error) {
	switch sc.Op {
	case "load":
		var p loadParams
		if err := decodeParams(&sc.Params, &p); err != nil {
			return nil, err
		}
		stage := pipeline.Load{Keys: p.Keys}
		if p.DType != "" {
			dt, err := tensor.ParseDType(p.DType)
			if err != nil {
				return nil, err
			}
			stage.DType = dt
		}
		return stage, nil
	case "spacing":
		var p spacingParams
		if err := decodeParams(&sc.Params, &p); err != nil {
			return nil, err
		}
		return pipeline.Spacing{Keys: p.Keys, From: p.From, To: p.To, Mode: p.Mode}, nil
	case "resize":
		var p resizeParams
		if err := decodeParams(&sc.Params, &p); err != nil {
			return nil, err
		}
		return pipeline.Resize{Keys: p.Keys, Size: p.Size, Mode: p.Mode}, nil
	case "resize_crop":
		var p resizeCropParams
		if err := decodeParams(&sc.Params, &p); err != nil {
			return nil, err
		}
		return pipeline.ResizeCrop{Keys: p.Keys, Size: p.Size}, nil
	case "scale_intensity":
		p := scaleParams{Max: 1}
		if err := decodeParams(&sc.Params, &p); err != nil {
			return nil, err
		}
		return pipeline.ScaleIntensity{Keys: p.Keys, Min: p.Min, Max: p.Max}, nil
	case "rand_flip":
		var p flipParams
		if err := decodeParams(&sc.Params, &p); err != nil {
			return nil, err
		}
		return pipeline.RandFlip{Keys: p.Keys, Prob: p.Prob, Axis: p.Axis, Seed: p.Seed}, nil
	case "rand_rotate":
		var p rotateParams
		if err := decodeParams(&sc.Params, &p); err != nil {
			return nil, err
		}
		return pipeline.RandRotate{Keys: p.Keys, Prob: p.Prob, MaxAngle: p.MaxAngle, Mode: p.Mode, Seed: p.Seed}, nil
	case "rand_zoom":
		var p zoomParams
		if err := decodeParams(&sc.Params, &p); err != nil {
			return nil, err
		}
		return pipeline.RandZoom{Keys: p.Keys, Prob: p.Prob, Min: p.Min, Max: p.Max, Mode: p.Mode, Seed: p.Seed}, nil
	case "":
		return nil, errors.New("op is required")
	default:
		return nil, fmt.Errorf("unknown op %q", sc.Op)
	}
}

// decodeParams decodes node into out, rejecting keys out does not declare.
func decodeParams(node *yaml.Node, out any) error {
	if node.Kind == 0 {
		return nil
	}
	raw, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("params: %w", err)
	}
	return nil
}
