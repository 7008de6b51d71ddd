package gcs

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"time"

	"go.uber.org/zap"
)

const (
	frameWidth    = 320
	frameHeight   = 240
	frameInterval = 200 * time.Millisecond
	jpegQuality   = 60
)

// mediaStream is one drone's simulated overwatch feed. Real camera ingest
// would replace renderFrame with an RTSP pull from the stream URL.
type mediaStream struct {
	droneID string
	url     string
	cancel  context.CancelFunc
}

// StartMediaStream begins pushing VIDEO_FRAME messages for droneID. A
// second start for the same drone is a no-op.
func (s *Server) StartMediaStream(droneID, url string) {
	s.mu.Lock()
	if _, running := s.streams[droneID]; running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &mediaStream{droneID: droneID, url: url, cancel: cancel}
	s.streams[droneID] = m
	s.mu.Unlock()

	s.log.Info("media stream started", zap.String("drone_id", droneID), zap.String("url", url))
	go s.pumpFrames(ctx, m)
}

// StopMediaStream halts the feed for droneID.
func (s *Server) StopMediaStream(droneID string) {
	s.mu.Lock()
	m, running := s.streams[droneID]
	if running {
		delete(s.streams, droneID)
	}
	s.mu.Unlock()
	if !running {
		return
	}
	m.cancel()
	s.log.Info("media stream stopped", zap.String("drone_id", droneID))
}

func (s *Server) pumpFrames(ctx context.Context, m *mediaStream) {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		seq++
		// Skip the JPEG encode entirely when no console is watching.
		if !s.hasClients() {
			continue
		}
		encoded, err := renderFrame(seq)
		if err != nil {
			s.log.Warn("frame encode failed", zap.String("drone_id", m.droneID), zap.Error(err))
			continue
		}
		s.broadcast(map[string]interface{}{
			"type":     "video_frame",
			"drone_id": m.droneID,
			"frame":    encoded,
		})
	}
}

// renderFrame draws a synthetic camera image (a gradient with a sweeping
// band so the console visibly animates) and returns it as base64 JPEG.
func renderFrame(seq int) (string, error) {
	img := image.NewRGBA(image.Rect(0, 0, frameWidth, frameHeight))
	band := (seq * 8) % frameWidth
	for y := 0; y < frameHeight; y++ {
		for x := 0; x < frameWidth; x++ {
			c := color.RGBA{
				R: uint8(x * 255 / frameWidth),
				G: uint8(y * 255 / frameHeight),
				B: 64,
				A: 255,
			}
			if dx := x - band; dx >= 0 && dx < 16 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
