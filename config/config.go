package config

import (
	"fmt"
	"time"
)

// Devices accepted for detector inference.
const (
	DeviceCPU         = "cpu"
	DeviceAccelerator = "accelerator"
)

type Config struct {
	ListenAddr string

	// SourceURI is used when a start request doesn't name a source. A device
	// index ("0"), an rtsp:// URL, a file path, or an http:// MJPEG endpoint.
	SourceURI string

	// Detector. Detection is disabled when ModelPath is empty.
	ModelPath    string
	ModelClasses []string
	Confidence   float64
	NMSThreshold float64
	InputSize    int
	Device       string

	// Run the detector on every Nth frame.
	DetectionInterval int

	OutputFPS          int
	JPEGQuality        int
	PlaceholderQuality int

	// HTTP sources are normalized to this resolution.
	ProcessWidth  int
	ProcessHeight int

	ConnectTimeoutSec int
	ReconnectDelaySec int
	StopTimeoutSec    int

	// If non-empty, stamped on each frame along with the capture time.
	TimestampLabel string

	WebRoot        string
	UploadDir      string
	MaxUploadBytes int64

	// Web push is enabled when a database DSN is given.
	PushDatabaseDSN string
	PushSubscriber  string
	PushMinSeverity string

	// Notifications are published to an MQTT broker ("tcp://host:1883") when
	// set.
	MQTTBroker      string
	MQTTClientID    string
	MQTTTopicPrefix string
}

// Default returns the configuration used for any field left unset.
func Default() *Config {
	return &Config{
		ListenAddr:         ":5000",
		SourceURI:          "http://127.0.0.1:8081/video_feed",
		ModelClasses:       []string{"fire", "smoke"},
		Confidence:         0.6,
		NMSThreshold:       0.45,
		InputSize:          640,
		Device:             DeviceCPU,
		DetectionInterval:  3,
		OutputFPS:          30,
		JPEGQuality:        60,
		PlaceholderQuality: 90,
		ProcessWidth:       640,
		ProcessHeight:      480,
		ConnectTimeoutSec:  5,
		ReconnectDelaySec:  2,
		StopTimeoutSec:     5,
		WebRoot:            "./web",
		UploadDir:          "./uploads",
		MaxUploadBytes:     16 << 20, // 16 MiB
		PushSubscriber:     "sentinel@localhost",
		PushMinSeverity:    "high",
		MQTTClientID:       "sentinel",
		MQTTTopicPrefix:    "sentinel",
	}
}

// applyDefaults fills zero-valued fields from Default.
func (c *Config) applyDefaults() {
	d := Default()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.SourceURI == "" {
		c.SourceURI = d.SourceURI
	}
	if len(c.ModelClasses) == 0 {
		c.ModelClasses = d.ModelClasses
	}
	if c.Confidence == 0 {
		c.Confidence = d.Confidence
	}
	if c.NMSThreshold == 0 {
		c.NMSThreshold = d.NMSThreshold
	}
	if c.InputSize == 0 {
		c.InputSize = d.InputSize
	}
	if c.Device == "" {
		c.Device = d.Device
	}
	if c.DetectionInterval == 0 {
		c.DetectionInterval = d.DetectionInterval
	}
	if c.OutputFPS == 0 {
		c.OutputFPS = d.OutputFPS
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = d.JPEGQuality
	}
	if c.PlaceholderQuality == 0 {
		c.PlaceholderQuality = d.PlaceholderQuality
	}
	if c.ProcessWidth == 0 {
		c.ProcessWidth = d.ProcessWidth
	}
	if c.ProcessHeight == 0 {
		c.ProcessHeight = d.ProcessHeight
	}
	if c.ConnectTimeoutSec == 0 {
		c.ConnectTimeoutSec = d.ConnectTimeoutSec
	}
	if c.ReconnectDelaySec == 0 {
		c.ReconnectDelaySec = d.ReconnectDelaySec
	}
	if c.StopTimeoutSec == 0 {
		c.StopTimeoutSec = d.StopTimeoutSec
	}
	if c.WebRoot == "" {
		c.WebRoot = d.WebRoot
	}
	if c.UploadDir == "" {
		c.UploadDir = d.UploadDir
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = d.MaxUploadBytes
	}
	if c.PushSubscriber == "" {
		c.PushSubscriber = d.PushSubscriber
	}
	if c.PushMinSeverity == "" {
		c.PushMinSeverity = d.PushMinSeverity
	}
	if c.MQTTClientID == "" {
		c.MQTTClientID = d.MQTTClientID
	}
	if c.MQTTTopicPrefix == "" {
		c.MQTTTopicPrefix = d.MQTTTopicPrefix
	}
}

func (c *Config) Validate() error {
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range [0, 1]", c.Confidence)
	}
	if c.NMSThreshold < 0 || c.NMSThreshold > 1 {
		return fmt.Errorf("nms threshold %v out of range [0, 1]", c.NMSThreshold)
	}
	if c.Device != DeviceCPU && c.Device != DeviceAccelerator {
		return fmt.Errorf("unknown device %q", c.Device)
	}
	if c.DetectionInterval < 1 {
		return fmt.Errorf("detection interval must be positive, got %d", c.DetectionInterval)
	}
	if c.OutputFPS < 1 {
		return fmt.Errorf("output fps must be positive, got %d", c.OutputFPS)
	}
	for _, q := range []int{c.JPEGQuality, c.PlaceholderQuality} {
		if q < 1 || q > 100 {
			return fmt.Errorf("jpeg quality %d out of range [1, 100]", q)
		}
	}
	if c.InputSize < 32 || c.ProcessWidth < 1 || c.ProcessHeight < 1 {
		return fmt.Errorf("invalid frame sizes: input %d, process %dx%d", c.InputSize, c.ProcessWidth, c.ProcessHeight)
	}
	return nil
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySec) * time.Second
}

func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSec) * time.Second
}
