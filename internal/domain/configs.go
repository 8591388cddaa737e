package domain

import (
	"encoding/json"
	"fmt"
)

// ConfigHeader is the part shared by every job configuration variant.
type ConfigHeader struct {
	Model string `json:"model"`
	NSFW  bool   `json:"nsfw,omitempty"`
}

// ImageConfig configures image generation jobs.
type ImageConfig struct {
	ConfigHeader
	Quality     string `json:"quality,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

// VideoConfig configures image-to-video jobs.
type VideoConfig struct {
	ConfigHeader
	Resolution  string `json:"resolution,omitempty"`
	DurationSec int    `json:"duration_sec,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

// CarouselConfig configures multi-slide carousel jobs.
type CarouselConfig struct {
	ConfigHeader
	Slides  int    `json:"slides,omitempty"`
	Quality string `json:"quality,omitempty"`
}

// PipelineConfig configures chained image -> video jobs.
type PipelineConfig struct {
	ConfigHeader
	Image ImageConfig `json:"image"`
	Video VideoConfig `json:"video"`
}

// JobConfig is the tagged union of configuration variants. Exactly one of
// the variant pointers is set, matching Type. The scheduler only reads the
// header; variant fields are interpreted by the validator, the pricing
// function, and the generation adapters.
type JobConfig struct {
	Type     OutputType      `json:"type"`
	Image    *ImageConfig    `json:"image,omitempty"`
	Video    *VideoConfig    `json:"video,omitempty"`
	Carousel *CarouselConfig `json:"carousel,omitempty"`
	Pipeline *PipelineConfig `json:"pipeline,omitempty"`
}

// Header returns the shared header of whichever variant is set.
func (c JobConfig) Header() ConfigHeader {
	switch c.Type {
	case OutputImage:
		if c.Image != nil {
			return c.Image.ConfigHeader
		}
	case OutputVideo:
		if c.Video != nil {
			return c.Video.ConfigHeader
		}
	case OutputCarousel:
		if c.Carousel != nil {
			return c.Carousel.ConfigHeader
		}
	case OutputPipeline:
		if c.Pipeline != nil {
			return c.Pipeline.ConfigHeader
		}
	}
	return ConfigHeader{}
}

// Model is a convenience accessor for the header model key.
func (c JobConfig) Model() string { return c.Header().Model }

// Validate checks that the variant pointer matches the tag.
func (c JobConfig) Validate() error {
	switch c.Type {
	case OutputImage:
		if c.Image == nil {
			return fmt.Errorf("%w: image config required", ErrInvalidArgument)
		}
	case OutputVideo:
		if c.Video == nil {
			return fmt.Errorf("%w: video config required", ErrInvalidArgument)
		}
	case OutputCarousel:
		if c.Carousel == nil {
			return fmt.Errorf("%w: carousel config required", ErrInvalidArgument)
		}
	case OutputPipeline:
		if c.Pipeline == nil {
			return fmt.Errorf("%w: pipeline config required", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown output type %q", ErrInvalidArgument, c.Type)
	}
	return nil
}

// EncodeConfig serializes a JobConfig for storage as an opaque blob.
func EncodeConfig(c JobConfig) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("op=config.encode: %w", err)
	}
	return b, nil
}

// DecodeConfig parses a stored configuration blob.
func DecodeConfig(b []byte) (JobConfig, error) {
	var c JobConfig
	if len(b) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return JobConfig{}, fmt.Errorf("op=config.decode: %w", err)
	}
	return c, nil
}
