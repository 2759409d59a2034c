package comfy

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// postprocess writes rawOutput to renderDir, transcoding to mp4 if the
// source wasn't already one, and renders a thumbnail frame alongside it.
func postprocess(ctx context.Context, renderDir, sourceFilename string, rawOutput []byte) (videoPath, thumbPath string, err error) {
	if err := os.MkdirAll(renderDir, 0o755); err != nil {
		return "", "", newError(CodeDownloadFailed, "failed to create render directory: %v", err)
	}

	rawPath := filepath.Join(renderDir, "raw_"+sourceFilename)
	if err := os.WriteFile(rawPath, rawOutput, 0o644); err != nil {
		return "", "", newError(CodeDownloadFailed, "failed to write downloaded output: %v", err)
	}
	defer os.Remove(rawPath)

	videoPath = filepath.Join(renderDir, "video.mp4")
	if err := ensureMP4(ctx, rawPath, videoPath); err != nil {
		return "", "", err
	}

	thumbPath = filepath.Join(renderDir, "thumb.jpg")
	if err := makeThumbnail(ctx, videoPath, thumbPath); err != nil {
		return "", "", err
	}

	return videoPath, thumbPath, nil
}

// ensureMP4 writes rawPath to outputPath as an mp4. If rawPath is
// already an mp4 this is a fast stream copy that keeps its codecs;
// otherwise ffmpeg re-encodes the video as H.264 (libx264, yuv420p).
func ensureMP4(ctx context.Context, rawPath, outputPath string) error {
	args := []string{"-i", rawPath}
	if strings.HasSuffix(strings.ToLower(rawPath), ".mp4") {
		args = append(args, "-c", "copy")
	} else {
		args = append(args, "-c:v", "libx264", "-pix_fmt", "yuv420p")
	}
	args = append(args, "-y", outputPath)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return newError(CodeExecError, "ffmpeg transcode to mp4 failed: %v (%s)", err, truncate(string(output), 300))
	}
	return nil
}

// makeThumbnail extracts a representative frame from videoPath and
// scales it to a 640px-wide JPEG.
func makeThumbnail(ctx context.Context, videoPath, outputPath string) error {
	args := []string{
		"-i", videoPath,
		"-vf", "thumbnail,scale=640:-1",
		"-frames:v", "1",
		"-y", outputPath,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return newError(CodeExecError, "ffmpeg thumbnail generation failed: %v (%s)", err, truncate(string(output), 300))
	}
	return nil
}
