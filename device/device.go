// Package device contains device descriptors for the emulation steps of a
// stealth profile.
package device

import (
	"strings"

	"github.com/chromedp/cdproto/emulation"
)

// Info holds device information.
type Info struct {
	// Name is the device name.
	Name string

	// UserAgent is the device user agent string.
	UserAgent string

	// Platform is the navigator.platform value of the device.
	Platform string

	// Width is the viewport width.
	Width int64

	// Height is the viewport height.
	Height int64

	// Scale is the device viewport scale factor.
	Scale float64

	// Landscape indicates whether or not the device is in landscape mode or
	// not.
	Landscape bool

	// Mobile indicates whether it is a mobile device or not.
	Mobile bool

	// Touch indicates whether the device has touch enabled.
	Touch bool
}

// String satisfies fmt.Stringer.
func (i Info) String() string {
	return i.Name
}

// Params returns the emulation parameters of the device.
func (i Info) Params() (*emulation.SetDeviceMetricsOverrideParams, *emulation.SetTouchEmulationEnabledParams) {
	p1 := emulation.SetDeviceMetricsOverride(i.Width, i.Height, i.Scale, i.Mobile)
	p2 := emulation.SetTouchEmulationEnabled(i.Touch)
	orientation := emulatePortrait
	if i.Landscape {
		orientation = emulateLandscape
	}
	orientation(p1, p2)
	if i.Touch {
		emulateTouch(p1, p2)
	}
	return p1, p2
}

// emulateOrientation sets the device viewport orientation.
func emulateOrientation(orientation emulation.OrientationType, angle int64) func(*emulation.SetDeviceMetricsOverrideParams, *emulation.SetTouchEmulationEnabledParams) {
	return func(p1 *emulation.SetDeviceMetricsOverrideParams, p2 *emulation.SetTouchEmulationEnabledParams) {
		p1.ScreenOrientation = &emulation.ScreenOrientation{
			Type:  orientation,
			Angle: angle,
		}
	}
}

// emulateLandscape sets the device viewport orientation in landscape primary
// mode and an angle of 90.
func emulateLandscape(p1 *emulation.SetDeviceMetricsOverrideParams, p2 *emulation.SetTouchEmulationEnabledParams) {
	emulateOrientation(emulation.OrientationTypeLandscapePrimary, 90)(p1, p2)
}

// emulatePortrait sets the device viewport orientation in portrait primary
// mode and an angle of 0.
func emulatePortrait(p1 *emulation.SetDeviceMetricsOverrideParams, p2 *emulation.SetTouchEmulationEnabledParams) {
	emulateOrientation(emulation.OrientationTypePortraitPrimary, 0)(p1, p2)
}

// emulateTouch enables touch emulation with a single touch point.
func emulateTouch(p1 *emulation.SetDeviceMetricsOverrideParams, p2 *emulation.SetTouchEmulationEnabledParams) {
	p2.Enabled = true
	p2.MaxTouchPoints = 1
}

// Devices are the known device descriptors.
var Devices = []Info{
	{
		Name:      "Desktop 1920x1080",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Platform:  "Win32",
		Width:     1920,
		Height:    1080,
		Scale:     1,
	},
	{
		Name:      "MacBook Pro 14",
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Platform:  "MacIntel",
		Width:     1512,
		Height:    982,
		Scale:     2,
	},
	{
		Name:      "Pixel 7",
		UserAgent: "Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
		Platform:  "Linux armv8l",
		Width:     412,
		Height:    915,
		Scale:     2.625,
		Mobile:    true,
		Touch:     true,
	},
	{
		Name:      "Pixel 7 landscape",
		UserAgent: "Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
		Platform:  "Linux armv8l",
		Width:     915,
		Height:    412,
		Scale:     2.625,
		Landscape: true,
		Mobile:    true,
		Touch:     true,
	},
	{
		Name:      "iPad Pro 11",
		UserAgent: "Mozilla/5.0 (iPad; CPU OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) CriOS/120.0.0.0 Mobile/15E148 Safari/604.1",
		Platform:  "iPad",
		Width:     834,
		Height:    1194,
		Scale:     2,
		Mobile:    true,
		Touch:     true,
	},
}

// Lookup returns the device with the given name, ignoring case.
func Lookup(name string) (Info, bool) {
	for _, d := range Devices {
		if strings.EqualFold(d.Name, name) {
			return d, true
		}
	}
	return Info{}, false
}
