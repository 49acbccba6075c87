package api

import (
	"archive/zip"
	"context"
	"fmt"
	"log"
	"net/http"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/aont/nhk-radio-recorder/store"
)

// serveHLSAsset serves recording.m3u8 and its segment files directly from
// the recordings tree (spec §6: "static HLS playback"). It is the only
// handler that touches the filesystem outside the Store interface, since
// the files involved are meant to be streamed, not decoded into memory.
func (s *Server) serveHLSAsset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.st.GetRecording(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var rel string
	if name := r.PathValue("name"); name != "" {
		if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
			writeError(w, store.NewError(store.KindBadRequest, "invalid segment name"))
			return
		}
		rel = filepath.Join("segments", name)
		w.Header().Set("Content-Type", "video/mp2t")
	} else {
		rel = "recording.m3u8"
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	}

	path := filepath.Join(s.st.RecordingsRoot(), rec.Dir, rel)
	http.ServeFile(w, r, path)
}

// sanitizeFilename strips path separators and other characters unsafe in a
// downloaded filename, falling back to the recording id if the display
// name normalises to nothing usable.
func sanitizeFilename(name, fallback string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" {
		return fallback
	}
	return name
}

// convertToContainer runs the converter executable over a committed
// recording's HLS tree, streaming a single-container (M4A) output directly
// to dst (spec §4.6, §6: "on-demand converter ... produces a single
// container file streamed in the response").
func (s *Server) convertToContainer(ctx context.Context, rec *store.Recording, dst interface{ Write([]byte) (int, error) }) error {
	playlist := filepath.Join(s.st.RecordingsRoot(), rec.Dir, "recording.m3u8")
	cmd := exec.CommandContext(ctx, s.converterPath,
		"-i", playlist,
		"-c", "copy",
		"-f", "mp4",
		"-movflags", "frag_keyframe+empty_moov",
		"pipe:1",
	)
	cmd.Stdout = dst
	return cmd.Run()
}

func (s *Server) downloadRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.st.GetRecording(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	filename := sanitizeFilename(rec.Event.DisplayName, rec.ID) + ".m4a"
	w.Header().Set("Content-Type", "audio/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("X-Recording-Size-Human", humanize.Bytes(uint64(rec.SizeBytes)))

	if err := s.convertToContainer(r.Context(), rec, w); err != nil {
		log.Printf("api: convert recording %s: %v", rec.ID, err)
	}
}

type bulkDownloadRequest struct {
	IDs []string `json:"ids"`
}

// bulkDownload streams a ZIP with stored (no compression) entries, one per
// requested recording's converted container, in the requested order (spec
// §6, §4.6).
func (s *Server) bulkDownload(w http.ResponseWriter, r *http.Request) {
	var body bulkDownloadRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body.IDs) == 0 {
		writeError(w, store.NewFieldError("ids", "ids must not be empty"))
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="recordings.zip"`)

	zw := zip.NewWriter(w)
	defer zw.Close()

	for i, id := range body.IDs {
		rec, err := s.st.GetRecording(r.Context(), id)
		if err != nil {
			log.Printf("api: bulk-download: skip %s: %v", id, err)
			continue
		}

		name := strconv.Itoa(i+1) + "-" + sanitizeFilename(rec.Event.DisplayName, rec.ID) + ".m4a"
		hdr := &zip.FileHeader{Name: name, Method: zip.Store, Modified: rec.CreatedAt}
		entry, err := zw.CreateHeader(hdr)
		if err != nil {
			log.Printf("api: bulk-download: create entry %s: %v", name, err)
			continue
		}
		if err := s.convertToContainer(r.Context(), rec, entry); err != nil {
			log.Printf("api: bulk-download: convert %s: %v", id, err)
		}
	}
}
