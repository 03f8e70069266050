package capture

import (
	"errors"
	"testing"
)

func TestNewCamera(t *testing.T) {
	tests := []struct {
		name       string
		config     Config
		wantIDs    []int
		wantWidth  int
		wantHeight int
	}{
		{
			name:       "default config tries fallback",
			config:     DefaultConfig(),
			wantIDs:    []int{0, 1},
			wantWidth:  640,
			wantHeight: 480,
		},
		{
			name:       "fallback disabled",
			config:     Config{DeviceID: 2, FallbackID: -1},
			wantIDs:    []int{2},
			wantWidth:  640,
			wantHeight: 480,
		},
		{
			name:       "fallback equal to preferred is not retried",
			config:     Config{DeviceID: 1, FallbackID: 1, Width: 320, Height: 240},
			wantIDs:    []int{1},
			wantWidth:  320,
			wantHeight: 240,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cam := NewCamera(tt.config)
			if cam == nil {
				t.Fatal("NewCamera returned nil")
			}

			impl := cam.(*cameraImpl)
			got := impl.candidates()
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("candidates() = %v, want %v", got, tt.wantIDs)
			}
			for i := range got {
				if got[i] != tt.wantIDs[i] {
					t.Errorf("candidates()[%d] = %d, want %d", i, got[i], tt.wantIDs[i])
				}
			}

			if impl.config.Width != tt.wantWidth || impl.config.Height != tt.wantHeight {
				t.Errorf("size = %dx%d, want %dx%d", impl.config.Width, impl.config.Height, tt.wantWidth, tt.wantHeight)
			}

			if cam.IsOpen() {
				t.Error("camera should not be running initially")
			}
			if cam.DeviceID() != -1 {
				t.Errorf("DeviceID() = %d, want -1 before Open", cam.DeviceID())
			}
		})
	}
}

func TestCamera_OpenClose_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cam := NewCamera(DefaultConfig())

	err := cam.Open()
	if err != nil {
		if !errors.Is(err, ErrCameraUnavailable) {
			t.Errorf("Open() error = %v, want ErrCameraUnavailable", err)
		}
		t.Skipf("skipping test - camera not available: %v", err)
	}

	if !cam.IsOpen() {
		t.Error("IsOpen() should return true after Open()")
	}

	// Second open is a no-op
	if err := cam.Open(); err != nil {
		t.Errorf("second Open() error = %v", err)
	}

	frame, err := cam.ReadFrame()
	if err != nil {
		t.Errorf("ReadFrame() failed: %v", err)
	} else {
		if frame.Mat.Empty() {
			t.Error("ReadFrame() returned empty mat")
		}
		if frame.Seq != 1 {
			t.Errorf("first frame Seq = %d, want 1", frame.Seq)
		}
		frame.Close()
	}

	if err := cam.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}

	if cam.IsOpen() {
		t.Error("IsOpen() should return false after Close()")
	}
}

func TestCamera_ReadFrame_NotOpened(t *testing.T) {
	cam := NewCamera(DefaultConfig())

	_, err := cam.ReadFrame()
	if !errors.Is(err, ErrCameraUnavailable) {
		t.Errorf("ReadFrame() error = %v, want ErrCameraUnavailable", err)
	}
}

func TestCamera_Close_NotOpened(t *testing.T) {
	cam := NewCamera(DefaultConfig())

	// Close on not opened camera should not panic and return nil
	for i := 0; i < 2; i++ {
		if err := cam.Close(); err != nil {
			t.Errorf("Close() on not opened camera should return nil, got: %v", err)
		}
	}
}

func TestFrame_CloseNil(t *testing.T) {
	var f *Frame
	if err := f.Close(); err != nil {
		t.Errorf("Close() on nil frame = %v", err)
	}
}
