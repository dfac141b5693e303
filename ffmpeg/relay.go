package ffmpeg

// RelayArgs builds the argument list that re-transmits a processed
// file to the live RTMP destination in real time.
func RelayArgs(srcPath, rtmpURL string) []string {
	return []string{
		"-re",
		"-i", srcPath,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-maxrate", "6000k",
		"-bufsize", "12000k",
		"-pix_fmt", "yuv420p",
		"-g", "50",
		"-c:a", "aac",
		"-b:a", "160k",
		"-ar", "44100",
		"-f", "flv",
		rtmpURL,
	}
}
