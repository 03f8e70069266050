package e2e

import (
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ayusman/facelink/internal/capture"
	"github.com/ayusman/facelink/internal/detector"
	"github.com/ayusman/facelink/internal/link"
	"github.com/ayusman/facelink/internal/pipeline"
	"github.com/ayusman/facelink/internal/server"
	"github.com/ayusman/facelink/internal/store"
)

const actuator = "98:D3:31:F5:2A:11"

func TestE2E_CompleteWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	tmpDir := t.TempDir()
	s, err := store.New(filepath.Join(tmpDir, "data.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	defer s.Close()

	cam := capture.NewSyntheticCamera(640, 480)
	det := detector.NewMockDetector()
	det.SetFaces([]detector.Detection{
		{X: 300, Y: 100, W: 80, H: 80},
		{X: 100, Y: 120, W: 60, H: 60},
	})
	dialer := link.NewMockDialer()
	l := link.New(dialer, link.Config{ConnectTimeout: time.Second})
	rec := s.NewLinkRecorder("rfcomm")
	defer rec.Close()
	l.OnStateChange(rec.Observe)

	cfg := pipeline.DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	p, err := pipeline.New(cam, det, l, cfg)
	if err != nil {
		t.Fatalf("pipeline.New() error = %v", err)
	}
	defer p.Close()

	ts := httptest.NewServer(server.New(server.Config{Store: s, Controller: p}))
	defer ts.Close()
	client := ts.Client()

	post := func(t *testing.T, path, body string) *http.Response {
		t.Helper()
		resp, err := client.Post(ts.URL+path, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST %s error = %v", path, err)
		}
		return resp
	}

	t.Run("ConnectActuator", func(t *testing.T) {
		resp := post(t, "/api/link/connect", `{"address": "`+actuator+`"}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
		if got := p.LinkStatus().State; got != link.Connected {
			t.Fatalf("link state = %v, want connected", got)
		}
	})

	t.Run("StartCamera", func(t *testing.T) {
		resp := post(t, "/api/camera/start", "")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
		if !cam.IsOpen() {
			t.Fatal("camera should be open while running")
		}
	})

	t.Run("ActuatorReceivesLeftmostFace", func(t *testing.T) {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			conn := dialer.LastConn()
			if conn != nil && conn.Writes() > 0 {
				if got := conn.Written(); !strings.HasPrefix(got, "100\n") {
					t.Fatalf("written = %q, want prefix %q", got, "100\n")
				}
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatal("actuator received nothing")
	})

	t.Run("FaceQuery", func(t *testing.T) {
		resp, err := client.Get(ts.URL + "/api/face")
		if err != nil {
			t.Fatalf("GET /api/face error = %v", err)
		}
		defer resp.Body.Close()

		var body struct {
			Face *struct {
				Box   detector.Detection `json:"box"`
				Value float64            `json:"value"`
			} `json:"face"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode error = %v", err)
		}
		if body.Face == nil || body.Face.Box.X != 100 {
			t.Fatalf("face = %+v, want box x=100", body.Face)
		}
	})

	t.Run("StreamFrame", func(t *testing.T) {
		resp, err := client.Get(ts.URL + "/api/stream")
		if err != nil {
			t.Fatalf("GET /api/stream error = %v", err)
		}
		defer resp.Body.Close()

		_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if err != nil {
			t.Fatalf("content type error = %v", err)
		}
		part, err := multipart.NewReader(resp.Body, params["boundary"]).NextPart()
		if err != nil {
			t.Fatalf("NextPart() error = %v", err)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("read part error = %v", err)
		}
		if len(data) < 2 || data[0] != 0xff || data[1] != 0xd8 {
			t.Fatal("stream part is not a JPEG")
		}
	})

	t.Run("StopCamera", func(t *testing.T) {
		resp := post(t, "/api/camera/stop", "")
		resp.Body.Close()
		if cam.IsOpen() {
			t.Fatal("camera should be closed after stop")
		}
	})

	t.Run("DisconnectAndHistory", func(t *testing.T) {
		resp := post(t, "/api/link/disconnect", "")
		resp.Body.Close()
		// Flush queued transitions to the database.
		rec.Close()

		resp, err := client.Get(ts.URL + "/api/link/events?address=" + actuator)
		if err != nil {
			t.Fatalf("GET /api/link/events error = %v", err)
		}
		defer resp.Body.Close()

		var body struct {
			Events []store.LinkEvent `json:"events"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode error = %v", err)
		}
		var states []string
		for i := len(body.Events) - 1; i >= 0; i-- {
			states = append(states, body.Events[i].State)
		}
		want := []string{"connecting", "connected", "disconnected"}
		if strings.Join(states, ",") != strings.Join(want, ",") {
			t.Fatalf("states = %v, want %v", states, want)
		}
	})

	t.Run("DeviceRemembered", func(t *testing.T) {
		d, err := s.Devices().Last()
		if err != nil {
			t.Fatalf("Devices().Last() error = %v", err)
		}
		if d.Address != actuator || d.ConnectCount != 1 {
			t.Fatalf("device = %+v", d)
		}
	})
}
