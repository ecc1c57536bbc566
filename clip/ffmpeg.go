package clip

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/roster-herald/config"
)

// runner executes external commands; swapped out in tests.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// probeDuration asks ffprobe for the container duration in seconds.
func probeDuration(ctx context.Context, run runner, path string) (time.Duration, error) {
	out, err := run(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe output %q: %w", strings.TrimSpace(string(out)), err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// transcodeGIF converts the downloaded clip into a width/fps-bounded looping
// GIF. A two-pass palette filter keeps the output small without banding. The
// -t clamp is applied only when the source exceeds the configured maximum.
func transcodeGIF(ctx context.Context, run runner, src, dst string, opts config.ClipOptions, srcDuration time.Duration) error {
	filter := fmt.Sprintf("fps=%d,scale=%d:-1:flags=lanczos,split[s0][s1];[s0]palettegen[p];[s1][p]paletteuse", opts.FPS, opts.Width)
	args := []string{"-y", "-i", src}
	if opts.MaxDuration > 0 && srcDuration > opts.MaxDuration {
		args = append(args, "-t", fmt.Sprintf("%.3f", opts.MaxDuration.Seconds()))
	}
	args = append(args,
		"-vf", filter,
		"-loop", strconv.Itoa(opts.Loop),
		dst)
	if out, err := run(ctx, "ffmpeg", args...); err != nil {
		return fmt.Errorf("ffmpeg: %w (%s)", err, tail(string(out)))
	}
	return nil
}

// tail keeps the last few lines of ffmpeg output, which carry the error.
func tail(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) > 4 {
		lines = lines[len(lines)-4:]
	}
	return strings.Join(lines, " | ")
}
