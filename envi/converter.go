package envi

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Converter turns a finished GeoTIFF into an ENVI BIL file.
type Converter interface {
	Convert(ctx context.Context, src, dst string) error
}

// Native converts in process.
type Native struct{}

// Convert implements Converter.
func (Native) Convert(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return Convert(src, dst)
}

// Exec runs gdal_translate (or a compatible program) to convert.
type Exec struct {
	// Program defaults to "gdal_translate".
	Program string
	Args    []string
}

// Convert implements Converter.
func (e Exec) Convert(ctx context.Context, src, dst string) error {
	prog := e.Program
	if prog == "" {
		prog = "gdal_translate"
	}
	args := append([]string{"-of", "ENVI", "-co", "INTERLEAVE=BIL"}, e.Args...)
	args = append(args, src, dst)
	cmd := exec.CommandContext(ctx, prog, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("%s: %w", prog, err)
		}
		return fmt.Errorf("%s: %w: %s", prog, err, msg)
	}
	return nil
}

// ConverterFor returns the converter named by s: "native" (or empty) and
// "gdal" are known.
func ConverterFor(s string) (Converter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "native":
		return Native{}, nil
	case "gdal", "gdal_translate":
		return Exec{}, nil
	}
	return nil, fmt.Errorf("unknown ENVI converter %q", s)
}
