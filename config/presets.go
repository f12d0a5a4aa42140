// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import "strings"

// BootstrapPreset bundles the lighthouse and STUN endpoints a node should
// use by default in a given named environment.
type BootstrapPreset struct {
	LighthouseURL string
	StunServer    string
}

// BootstrapPresets defines preset bootstrap endpoints for named
// environments, applied when a config omits lighthouse.url/stun.server.
var BootstrapPresets = map[string]BootstrapPreset{
	"local": {
		LighthouseURL: "http://127.0.0.1:7777",
		StunServer:    "stun.l.google.com:19302",
	},
	"staging": {
		LighthouseURL: "https://lighthouse-staging.sage-x.example",
		StunServer:    "stun.l.google.com:19302",
	},
	"production": {
		LighthouseURL: "https://lighthouse.sage-x.example",
		StunServer:    "stun1.l.google.com:19302",
	},
}

// ApplyBootstrapPreset fills in cfg.Lighthouse.URL and cfg.Stun.Server from
// the named environment's preset wherever they are unset.
func ApplyBootstrapPreset(cfg *Config, environment string) {
	preset, ok := BootstrapPresets[strings.ToLower(environment)]
	if !ok {
		preset = BootstrapPresets["local"]
	}

	if cfg.Lighthouse != nil && cfg.Lighthouse.URL == "" {
		cfg.Lighthouse.URL = preset.LighthouseURL
	}
	if cfg.Stun != nil && cfg.Stun.Server == "" {
		cfg.Stun.Server = preset.StunServer
	}
}
