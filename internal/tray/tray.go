// Package tray provides a system tray menu for controlling the facelink
// pipeline from the desktop.
package tray

import (
	"sync"

	"github.com/getlantern/systray"

	"github.com/ayusman/facelink/internal/link"
	"github.com/ayusman/facelink/internal/log"
)

const maxReasonLen = 32

// Tray is the system tray application.
type Tray struct {
	onCamera     func(on bool) error
	onDisconnect func()
	onViewer     func()
	onQuit       func()
	cameraOn     bool
	linkStatus   link.Status
	mu           sync.RWMutex

	// Menu items stored for later updates
	menuCamera     *systray.MenuItem
	menuLink       *systray.MenuItem
	menuDisconnect *systray.MenuItem
}

// New creates a Tray showing the given initial camera state.
func New(cameraOn bool) *Tray {
	return &Tray{cameraOn: cameraOn}
}

// OnCameraToggle sets the callback for the camera menu item. A non-nil error
// leaves the displayed state unchanged.
func (t *Tray) OnCameraToggle(fn func(on bool) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCamera = fn
}

// OnDisconnect sets the callback for the disconnect menu item.
func (t *Tray) OnDisconnect(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = fn
}

// OnOpenViewer sets the callback for the viewer menu item.
func (t *Tray) OnOpenViewer(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onViewer = fn
}

// OnQuit sets the callback for the quit menu item.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until systray.Quit() is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit stops a running tray.
func (t *Tray) Quit() {
	systray.Quit()
}

func (t *Tray) onReady() {
	systray.SetTitle("facelink")
	systray.SetTooltip("facelink face tracker")

	t.mu.Lock()
	t.menuCamera = systray.AddMenuItem(cameraTitle(t.cameraOn), "Start or stop the camera")
	systray.AddSeparator()
	t.menuLink = systray.AddMenuItem(linkTitle(t.linkStatus), "Actuator link state")
	t.menuLink.Disable()
	t.menuDisconnect = systray.AddMenuItem("Disconnect", "Drop the actuator link")
	if t.linkStatus.State == link.Disconnected {
		t.menuDisconnect.Disable()
	}
	t.mu.Unlock()
	systray.AddSeparator()

	menuViewer := systray.AddMenuItem("Open Viewer...", "Open the live view in a browser")
	systray.AddSeparator()
	menuQuit := systray.AddMenuItem("Quit", "Quit facelink")

	go func() {
		for {
			select {
			case <-t.menuCamera.ClickedCh:
				t.handleCamera()
			case <-t.menuDisconnect.ClickedCh:
				t.invoke(func() func() { return t.onDisconnect })
			case <-menuViewer.ClickedCh:
				t.invoke(func() func() { return t.onViewer })
			case <-menuQuit.ClickedCh:
				t.invoke(func() func() { return t.onQuit })
				systray.Quit()
				return
			}
		}
	}()
}

func (t *Tray) onExit() {}

// invoke reads a callback under the lock and calls it outside.
func (t *Tray) invoke(get func() func()) {
	t.mu.RLock()
	callback := get()
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

func (t *Tray) handleCamera() {
	t.mu.RLock()
	want := !t.cameraOn
	callback := t.onCamera
	t.mu.RUnlock()

	if callback != nil {
		if err := callback(want); err != nil {
			logger := log.Component("tray")
			logger.Warn().Err(err).Bool("on", want).Msg("camera toggle failed")
			return
		}
	}
	t.SetCameraState(want)
}

// SetCameraState updates the camera menu item.
func (t *Tray) SetCameraState(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cameraOn = on
	if t.menuCamera != nil {
		t.menuCamera.SetTitle(cameraTitle(on))
	}
}

// SetLinkStatus updates the link line and the disconnect item.
func (t *Tray) SetLinkStatus(st link.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.linkStatus = st
	if t.menuLink == nil {
		return
	}
	t.menuLink.SetTitle(linkTitle(st))
	if st.State == link.Disconnected {
		t.menuDisconnect.Disable()
	} else {
		t.menuDisconnect.Enable()
	}
}

// CameraOn returns the displayed camera state.
func (t *Tray) CameraOn() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cameraOn
}

func cameraTitle(on bool) string {
	if on {
		return "● Camera on"
	}
	return "○ Camera off"
}

func linkTitle(st link.Status) string {
	title := "Link: " + st.State.String()
	switch st.State {
	case link.Connecting, link.Connected:
		if st.Address != "" {
			title += " (" + st.Address + ")"
		}
	case link.Failed:
		if reason := st.Reason; reason != "" {
			if r := []rune(reason); len(r) > maxReasonLen {
				reason = string(r[:maxReasonLen-1]) + "…"
			}
			title += " (" + reason + ")"
		}
	}
	return title
}
