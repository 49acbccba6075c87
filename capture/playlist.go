package capture

import (
	"bufio"
	"fmt"
	"os"
)

const endListTag = "#EXT-X-ENDLIST"

// CountSegments scans an HLS playlist and returns the number of media
// segments it references (one per "#EXTINF" line). No pack example parses
// or writes m3u8; this is a minimal hand-rolled reader, just enough for the
// commit-policy check below.
func CountSegments(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if len(sc.Text()) >= 7 && sc.Text()[:7] == "#EXTINF" {
			n++
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("scan playlist: %w", err)
	}
	return n, nil
}

// EnsureEndList appends #EXT-X-ENDLIST to the playlist at path if it is not
// already present. ffmpeg writes the tag itself when a capture reaches its
// "-t" duration naturally; a capture stopped early by cancellation or the
// tail-out deadline needs it added so the playlist is valid VOD content
// rather than a dangling live stream.
func EnsureEndList(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if hasEndList(raw) {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if len(raw) > 0 && raw[len(raw)-1] != '\n' {
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	_, err = f.WriteString(endListTag + "\n")
	return err
}

func hasEndList(raw []byte) bool {
	s := string(raw)
	for i := 0; i+len(endListTag) <= len(s); i++ {
		if s[i:i+len(endListTag)] == endListTag {
			return true
		}
	}
	return false
}
