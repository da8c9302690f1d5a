// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package main

import (
	"fmt"
	"os"

	"github.com/tinysip/tinyua"
	"github.com/tinysip/tinyua/media/sdp"
	"gopkg.in/yaml.v3"
)

// Config is phone profile
type Config struct {
	Username      string `yaml:"username"`
	DisplayName   string `yaml:"display_name"`
	Domain        string `yaml:"domain"`
	Password      string `yaml:"password"`
	RegistrarPort int    `yaml:"registrar_port"`

	// Listen is signaling bind address
	Listen string `yaml:"listen"`
	// STUN server used to discover public address. Empty disables discovery.
	STUN       string `yaml:"stun"`
	NameServer string `yaml:"nameserver"`

	RTPPort  int      `yaml:"rtp_port"`
	RTCPPort int      `yaml:"rtcp_port"`
	Formats  []string `yaml:"formats"`

	UserAgent string `yaml:"user_agent"`
	// Metrics is listen address of prometheus endpoint. Empty disables it.
	Metrics string `yaml:"metrics"`
	// AutoAnswer answers incoming calls
	AutoAnswer bool `yaml:"auto_answer"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.setDefaults()
	return &config, nil
}

func (c *Config) setDefaults() {
	if c.RegistrarPort <= 0 {
		c.RegistrarPort = tinyua.DefaultSIPPort
	}
	if c.Listen == "" {
		c.Listen = "0.0.0.0:5060"
	}
	if c.RTPPort <= 0 {
		c.RTPPort = 40000
	}
	if c.RTCPPort <= 0 {
		c.RTCPPort = c.RTPPort + 1
	}
	if c.UserAgent == "" {
		c.UserAgent = "tinyphone"
	}
}

// Identity builds local identity from profile
func (c *Config) Identity() (*tinyua.LocalIdentity, error) {
	if c.Username == "" || c.Domain == "" {
		return nil, fmt.Errorf("username and domain are required")
	}

	id := tinyua.NewLocalIdentity(c.Username, c.Domain, c.Password)
	id.DisplayName = c.DisplayName
	id.RegistrarPort = c.RegistrarPort
	id.LocalRTPPort = c.RTPPort
	id.LocalRTCPPort = c.RTCPPort

	if len(c.Formats) > 0 {
		formats := make(sdp.AudioFormats, 0, len(c.Formats))
		for _, s := range c.Formats {
			f, err := sdp.ParseAudioFormat(s)
			if err != nil {
				return nil, fmt.Errorf("bad format %q: %w", s, err)
			}
			formats = append(formats, f)
		}
		id.AudioFormats = formats
	}
	return id, nil
}
