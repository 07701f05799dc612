package main

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"mobile-crawler/pkg/types"
)

// ========================================
// ADB Client
// ========================================

// deviceIDPattern validates device IDs before they reach a shell command.
// Covers USB serials ("emulator-5554"), IP:port and mDNS forms.
var deviceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._:\-]+$`)

// packageNamePattern validates Android package names
var packageNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z][a-zA-Z0-9_]*)+$`)

// ValidateDeviceID rejects device IDs that are empty, oversized, or contain
// characters that could break out of an adb invocation.
func ValidateDeviceID(deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("device ID cannot be empty")
	}
	if len(deviceID) > 256 {
		return fmt.Errorf("device ID too long (max 256 characters)")
	}
	if !deviceIDPattern.MatchString(deviceID) {
		return fmt.Errorf("invalid device ID format: contains illegal characters")
	}
	return nil
}

// ValidatePackageName rejects strings that are not plausible Android package names
func ValidatePackageName(pkg string) error {
	if pkg == "" {
		return fmt.Errorf("package name cannot be empty")
	}
	if !packageNamePattern.MatchString(pkg) {
		return fmt.Errorf("invalid package name %q", pkg)
	}
	return nil
}

// ADBClient shells out to the adb binary. All calls are blocking; callers
// bound them with a context.
type ADBClient struct {
	adbPath string
}

// NewADBClient resolves the adb binary. An empty path looks up "adb" on PATH.
func NewADBClient(adbPath string) (*ADBClient, error) {
	if adbPath == "" {
		resolved, err := exec.LookPath("adb")
		if err != nil {
			return nil, fmt.Errorf("adb not found on PATH: %w", err)
		}
		adbPath = resolved
	}
	return &ADBClient{adbPath: adbPath}, nil
}

// Run executes an adb command against a device and returns combined output
func (c *ADBClient) Run(ctx context.Context, deviceID string, args ...string) (string, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return "", err
	}

	full := append([]string{"-s", deviceID}, args...)
	cmd := exec.CommandContext(ctx, c.adbPath, full...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("adb %s failed: %w, output: %s",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// RunRaw executes an adb command and returns raw stdout bytes. Used for
// binary output such as screencap.
func (c *ADBClient) RunRaw(ctx context.Context, deviceID string, args ...string) ([]byte, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}

	full := append([]string{"-s", deviceID}, args...)
	cmd := exec.CommandContext(ctx, c.adbPath, full...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("adb %s failed: %w", strings.Join(args, " "), err)
	}
	return output, nil
}

// ListDevices returns the devices reported by `adb devices -l`
func (c *ADBClient) ListDevices(ctx context.Context) ([]types.Device, error) {
	cmd := exec.CommandContext(ctx, c.adbPath, "devices", "-l")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to run adb devices (path: %s): %w, output: %s",
			c.adbPath, err, string(output))
	}

	var devices []types.Device
	lines := strings.Split(strings.ReplaceAll(string(output), "\r\n", "\n"), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		dev := types.Device{ID: fields[0], Serial: fields[0], State: fields[1]}
		for _, f := range fields[2:] {
			if v, ok := strings.CutPrefix(f, "model:"); ok {
				dev.Model = v
			}
			if v, ok := strings.CutPrefix(f, "device:"); ok && dev.Brand == "" {
				dev.Brand = v
			}
		}
		devices = append(devices, dev)
	}

	return devices, nil
}

var focusPattern = regexp.MustCompile(`mCurrentFocus=.*\s([a-zA-Z0-9_.]+)/[^ }]+`)
var resumedPattern = regexp.MustCompile(`mResumedActivity.*\s([a-zA-Z0-9_.]+)/[^ }]+`)

// CurrentPackage reports the package of the foreground app via dumpsys.
// The crawl loop relies on this being truthful for its foreground checks.
func (c *ADBClient) CurrentPackage(ctx context.Context, deviceID string) (string, error) {
	output, err := c.Run(ctx, deviceID, "shell", "dumpsys", "window", "windows")
	if err == nil {
		if m := focusPattern.FindStringSubmatch(output); len(m) >= 2 {
			return m[1], nil
		}
	}

	// Older/newer Android builds move this around; fall back to the
	// activity manager's resumed activity.
	output, err = c.Run(ctx, deviceID, "shell", "dumpsys", "activity", "activities")
	if err != nil {
		return "", fmt.Errorf("failed to query foreground app: %w", err)
	}
	if m := resumedPattern.FindStringSubmatch(output); len(m) >= 2 {
		return m[1], nil
	}

	return "", fmt.Errorf("could not determine foreground package")
}

// ActivateApp brings an installed app to the foreground by resolving and
// starting its launcher activity.
func (c *ADBClient) ActivateApp(ctx context.Context, deviceID, pkg string) error {
	if err := ValidatePackageName(pkg); err != nil {
		return err
	}

	output, err := c.Run(ctx, deviceID, "shell", "cmd", "package", "resolve-activity",
		"--brief", "-c", "android.intent.category.LAUNCHER", pkg)
	if err != nil {
		return fmt.Errorf("failed to resolve launcher activity for %s: %w", pkg, err)
	}

	var component string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "/") && strings.HasPrefix(line, pkg) {
			component = line
			break
		}
	}
	if component == "" {
		return fmt.Errorf("no launcher activity found for %s", pkg)
	}

	output, err = c.Run(ctx, deviceID, "shell", "am", "start", "-n", component)
	if err != nil {
		return fmt.Errorf("am start %s failed: %w", component, err)
	}
	if strings.Contains(output, "Error") {
		return fmt.Errorf("am start %s failed: %s", component, strings.TrimSpace(output))
	}
	return nil
}

// LaunchApp relaunches an app from scratch via monkey. This is the fallback
// when ActivateApp fails; it discards any in-app navigation state, so the
// caller logs a warning before relying on it.
func (c *ADBClient) LaunchApp(ctx context.Context, deviceID, pkg string) error {
	if err := ValidatePackageName(pkg); err != nil {
		return err
	}

	output, err := c.Run(ctx, deviceID, "shell", "monkey", "-p", pkg,
		"-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return fmt.Errorf("monkey launch of %s failed: %w", pkg, err)
	}
	if strings.Contains(output, "No activities found") {
		return fmt.Errorf("monkey launch of %s failed: no launcher activity", pkg)
	}
	return nil
}

var resolutionPattern = regexp.MustCompile(`(\d+)x(\d+)`)

// WindowSize returns the device screen resolution from `wm size`
func (c *ADBClient) WindowSize(ctx context.Context, deviceID string) (int, int, error) {
	output, err := c.Run(ctx, deviceID, "shell", "wm", "size")
	if err != nil {
		return 0, 0, err
	}

	m := resolutionPattern.FindStringSubmatch(output)
	if len(m) < 3 {
		return 0, 0, fmt.Errorf("could not parse wm size output: %q", strings.TrimSpace(output))
	}
	w, _ := strconv.Atoi(m[1])
	h, _ := strconv.Atoi(m[2])
	return w, h, nil
}

// Screencap captures the screen as PNG bytes via exec-out
func (c *ADBClient) Screencap(ctx context.Context, deviceID string) ([]byte, error) {
	return c.RunRaw(ctx, deviceID, "exec-out", "screencap", "-p")
}

// ========================================
// DeviceDriver
// ========================================

// DeviceDriver is the narrow device interface the crawl loop depends on
type DeviceDriver interface {
	DeviceID() string
	CurrentPackage(ctx context.Context) (string, error)
	ActivateApp(ctx context.Context, pkg string) error
	LaunchApp(ctx context.Context, pkg string) error
}

// adbDriver binds an ADBClient to one device
type adbDriver struct {
	adb      *ADBClient
	deviceID string
}

// NewDeviceDriver returns a DeviceDriver for one device
func NewDeviceDriver(adb *ADBClient, deviceID string) DeviceDriver {
	return &adbDriver{adb: adb, deviceID: deviceID}
}

func (d *adbDriver) DeviceID() string { return d.deviceID }

func (d *adbDriver) CurrentPackage(ctx context.Context) (string, error) {
	return d.adb.CurrentPackage(ctx, d.deviceID)
}

func (d *adbDriver) ActivateApp(ctx context.Context, pkg string) error {
	return d.adb.ActivateApp(ctx, d.deviceID, pkg)
}

func (d *adbDriver) LaunchApp(ctx context.Context, pkg string) error {
	return d.adb.LaunchApp(ctx, d.deviceID, pkg)
}

// withTimeout wraps a context with the default device I/O timeout
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 30*time.Second)
}
