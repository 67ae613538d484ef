package captcha

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// ErrEmptyCaptcha means the recognizer produced no usable text.
	ErrEmptyCaptcha = errors.New("captcha recognition produced empty text")
)

// Recognition is the raw output of a text-recognition backend.
type Recognition struct {
	Text       string
	Confidence float64 // 0–100
}

// Recognizer is a black-box text-recognition service. One method is
// selected per Solver construction; implementations are not chained.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte, contentType string) (Recognition, error)
}

// Confidence thresholds, empirically tuned against csgt.vn captchas.
const (
	correctionThreshold    = 50.0
	lowConfidenceThreshold = 30.0
)

// confusions maps glyphs the OCR engine routinely swaps on this site's
// distorted font. Applied character-by-character as a last-resort
// correction when confidence is poor; no guarantee of correctness.
var confusions = map[rune]rune{
	'O': '0',
	'o': '0',
	'I': '1',
	'l': '1',
	'i': '1',
	'S': '5',
	's': '5',
	'G': '6',
	'B': '8',
	'Z': '2',
	'z': '2',
	'q': '9',
}

// Result is one solved captcha. LowConfidence signals the caller that
// the engine was unsure even after correction and a retry may be wiser
// than trusting the text.
type Result struct {
	Text          string
	Confidence    float64
	Corrected     bool
	LowConfidence bool
}

// Solver wraps a Recognizer and applies cleanup plus confusion-table
// correction below the confidence threshold.
type Solver struct {
	recognizer Recognizer
	log        zerolog.Logger
}

func NewSolver(recognizer Recognizer, log zerolog.Logger) *Solver {
	return &Solver{recognizer: recognizer, log: log}
}

// Solve converts a captcha image into its best-guess text.
func (s *Solver) Solve(ctx context.Context, image []byte, contentType string) (Result, error) {
	rec, err := s.recognizer.Recognize(ctx, image, contentType)
	if err != nil {
		return Result{}, fmt.Errorf("recognize captcha: %w", err)
	}

	text := cleanText(rec.Text)
	if text == "" {
		return Result{}, ErrEmptyCaptcha
	}

	res := Result{Text: text, Confidence: rec.Confidence}
	if rec.Confidence < correctionThreshold {
		corrected := applyConfusions(text)
		res.Corrected = corrected != text
		res.Text = corrected
	}
	if rec.Confidence < lowConfidenceThreshold {
		res.LowConfidence = true
		s.log.Debug().
			Float64("confidence", rec.Confidence).
			Str("raw", text).
			Str("corrected", res.Text).
			Msg("low-confidence captcha solve")
	}
	return res, nil
}

func cleanText(text string) string {
	return strings.Join(strings.Fields(text), "")
}

func applyConfusions(text string) string {
	out := []rune(text)
	for i, r := range out {
		if repl, ok := confusions[r]; ok {
			out[i] = repl
		}
	}
	return string(out)
}
