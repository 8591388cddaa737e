// Package validate performs defense-in-depth argument checks at the
// service boundary. Outer routers may validate too; these checks are
// authoritative for the core.
package validate

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Error codes carried on ValidationError.
const (
	CodeRequired     = "required"
	CodeTooLong      = "too_long"
	CodeTooMany      = "too_many"
	CodeTooFew       = "too_few"
	CodeBadURL       = "bad_url"
	CodeBadScheme    = "bad_scheme"
	CodeUnknownModel = "unknown_model"
	CodeIncompatible = "incompatible"
	CodeInvalid      = "invalid"
)

const maxPromptLen = 2000

// ValidationError describes one failed check.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
	Code    string `json:"code"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Errors collects every failed check of one call.
type Errors []ValidationError

func (es Errors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// OrNil returns the collection as an error, or nil when empty.
func (es Errors) OrNil() error {
	if len(es) == 0 {
		return nil
	}
	return es
}

// ModelSpec lists the resolutions and durations a model accepts.
type ModelSpec struct {
	Resolutions []string `yaml:"resolutions"`
	Durations   []int    `yaml:"durations"`
}

func (s ModelSpec) allowsResolution(r string) bool {
	for _, v := range s.Resolutions {
		if v == r {
			return true
		}
	}
	return false
}

func (s ModelSpec) allowsDuration(d int) bool {
	for _, v := range s.Durations {
		if v == d {
			return true
		}
	}
	return false
}

func defaultModelTable() map[string]ModelSpec {
	five := []int{5}
	fiveTen := []int{5, 10}
	veo := []int{4, 6, 8}
	sora := []int{4, 8, 12}
	hd := []string{"720p", "1080p"}
	return map[string]ModelSpec{
		"wan":            {Resolutions: []string{"480p", "720p", "1080p"}, Durations: five},
		"wan21":          {Resolutions: []string{"480p", "720p"}, Durations: five},
		"wan22":          {Resolutions: []string{"480p", "580p", "720p"}, Durations: five},
		"wan-pro":        {Resolutions: []string{"1080p"}, Durations: five},
		"kling":          {Resolutions: hd, Durations: fiveTen},
		"kling-std":      {Resolutions: hd, Durations: fiveTen},
		"kling-master":   {Resolutions: hd, Durations: fiveTen},
		"veo2":           {Resolutions: []string{"720p"}, Durations: veo},
		"veo31":          {Resolutions: hd, Durations: veo},
		"veo31-fast":     {Resolutions: hd, Durations: veo},
		"veo31-flf":      {Resolutions: hd, Durations: veo},
		"veo31-fast-flf": {Resolutions: hd, Durations: veo},
		"sora-2":         {Resolutions: []string{"720p"}, Durations: sora},
		"sora-2-pro":     {Resolutions: hd, Durations: sora},
		// Routing keys for the tunnel image backend and the chained
		// image-to-video pipeline. Tunnel requests carry no clip
		// parameters; the pipeline's ride on its video stage.
		"tunnel":   {},
		"pipeline": {Resolutions: []string{"480p", "720p", "1080p"}, Durations: fiveTen},
	}
}

// Service wraps struct-tag validation and the model compatibility table.
type Service struct {
	vd     *validator.Validate
	models map[string]ModelSpec
}

// New builds a Service with the built-in model table.
func New() *Service {
	return &Service{
		vd:     validator.New(validator.WithRequiredStructEnabled()),
		models: defaultModelTable(),
	}
}

type modelTableFile struct {
	Models map[string]ModelSpec `yaml:"models"`
}

// NewFromFile builds a Service, overlaying per-model overrides from a
// YAML file. Models in the file replace the built-in spec wholesale.
func NewFromFile(path string) (*Service, error) {
	s := New()
	if path == "" {
		return s, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=validate.load: %w", err)
	}
	var f modelTableFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("op=validate.load: %w", err)
	}
	for name, spec := range f.Models {
		s.models[name] = spec
	}
	return s, nil
}

// KnownModel reports whether the table has an entry for model.
func (s *Service) KnownModel(model string) bool {
	_, ok := s.models[model]
	return ok
}

// Struct runs tag-based validation and converts failures into Errors.
func (s *Service) Struct(v any) error {
	err := s.vd.Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("op=validate.struct: %w", err)
	}
	var es Errors
	for _, fe := range verrs {
		es = append(es, ValidationError{
			Field:   fe.Field(),
			Message: fmt.Sprintf("failed %q constraint", fe.Tag()),
			Value:   fe.Value(),
			Code:    CodeInvalid,
		})
	}
	return es
}

// Prompt checks a prompt after trimming surrounding whitespace.
func Prompt(field, prompt string) *ValidationError {
	p := strings.TrimSpace(prompt)
	if p == "" {
		return &ValidationError{Field: field, Message: "prompt is required", Code: CodeRequired}
	}
	if n := utf8.RuneCountInString(p); n > maxPromptLen {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("prompt is %d characters, max %d", n, maxPromptLen),
			Value:   n,
			Code:    CodeTooLong,
		}
	}
	return nil
}

// URL checks that raw parses and uses an http(s) scheme.
func URL(field, raw string) *ValidationError {
	if strings.TrimSpace(raw) == "" {
		return &ValidationError{Field: field, Message: "url is required", Code: CodeRequired}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return &ValidationError{Field: field, Message: "not a valid url", Value: raw, Code: CodeBadURL}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("scheme %q not allowed", u.Scheme),
			Value:   raw,
			Code:    CodeBadScheme,
		}
	}
	return nil
}

// ListLen checks a list's element count against [min, max].
func ListLen(field string, n, min, max int) *ValidationError {
	if n < min {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("needs at least %d entries, got %d", min, n),
			Value:   n,
			Code:    CodeTooFew,
		}
	}
	if max > 0 && n > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("allows at most %d entries, got %d", max, n),
			Value:   n,
			Code:    CodeTooMany,
		}
	}
	return nil
}

// ModelResolution checks model against resolution per the table.
func (s *Service) ModelResolution(model, resolution string) *ValidationError {
	spec, ok := s.models[model]
	if !ok {
		return &ValidationError{Field: "model", Message: fmt.Sprintf("unknown model %q", model), Value: model, Code: CodeUnknownModel}
	}
	if resolution == "" || spec.allowsResolution(resolution) {
		return nil
	}
	return &ValidationError{
		Field:   "resolution",
		Message: fmt.Sprintf("model %s supports %s", model, strings.Join(spec.Resolutions, ", ")),
		Value:   resolution,
		Code:    CodeIncompatible,
	}
}

// ModelDuration checks model against a clip duration per the table.
func (s *Service) ModelDuration(model string, durationSec int) *ValidationError {
	spec, ok := s.models[model]
	if !ok {
		return &ValidationError{Field: "model", Message: fmt.Sprintf("unknown model %q", model), Value: model, Code: CodeUnknownModel}
	}
	if durationSec == 0 || spec.allowsDuration(durationSec) {
		return nil
	}
	durs := make([]string, len(spec.Durations))
	for i, d := range spec.Durations {
		durs[i] = fmt.Sprintf("%ds", d)
	}
	return &ValidationError{
		Field:   "duration_sec",
		Message: fmt.Sprintf("model %s supports %s", model, strings.Join(durs, ", ")),
		Value:   durationSec,
		Code:    CodeIncompatible,
	}
}

// GenerationInput is the single-item generation argument set.
type GenerationInput struct {
	Model       string
	ImageURL    string
	Prompt      string
	Resolution  string
	DurationSec int
}

// Generation runs every check relevant to a generation call and
// collects all failures.
func (s *Service) Generation(in GenerationInput) error {
	var es Errors
	if ve := Prompt("prompt", in.Prompt); ve != nil {
		es = append(es, *ve)
	}
	if in.ImageURL != "" {
		if ve := URL("image_url", in.ImageURL); ve != nil {
			es = append(es, *ve)
		}
	}
	if ve := s.ModelResolution(in.Model, in.Resolution); ve != nil {
		es = append(es, *ve)
	}
	// Skip the duration check when the model is already unknown.
	if s.KnownModel(in.Model) {
		if ve := s.ModelDuration(in.Model, in.DurationSec); ve != nil {
			es = append(es, *ve)
		}
	}
	return es.OrNil()
}
