package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/inkroom/server/pkg/wsrouter"
)

const defaultServer = "localhost:3030"

// profile is the optional ~/.config/boardctl.toml. Flags override it.
type profile struct {
	Server     string   `toml:"server"`
	Codec      string   `toml:"codec"`
	ICEServers []string `toml:"ice_servers"`
}

func defaultProfilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "boardctl.toml")
}

// loadProfile reads path. A missing file at the default location is not an error; an
// explicitly named one must exist.
func loadProfile(path string) (*profile, error) {
	p := &profile{Server: defaultServer, Codec: "json"}

	explicit := path != ""
	if !explicit {
		path = defaultProfilePath()
	}
	if path == "" {
		return p, nil
	}

	_, err := toml.DecodeFile(path, p)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile %s: %w", path, err)
	}

	return p, nil
}

func (p *profile) override(server, codec string) {
	if server != "" {
		p.Server = server
	}
	if codec != "" {
		p.Codec = codec
	}
}

func (p *profile) codec() (wsrouter.Codec, error) {
	switch p.Codec {
	case "", "json":
		return wsrouter.JSON, nil
	case "msgpack":
		return wsrouter.MsgPack, nil
	default:
		return nil, fmt.Errorf("unknown codec %q, want json or msgpack", p.Codec)
	}
}

func resolveProfile() (*profile, error) {
	p, err := loadProfile(flagConfig)
	if err != nil {
		return nil, err
	}
	p.override(flagServer, flagCodec)

	if _, err := p.codec(); err != nil {
		return nil, err
	}

	return p, nil
}
