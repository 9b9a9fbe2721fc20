package launcher

import (
	"encoding/json"
	"errors"
	"fmt"

	"proxydeck/internal/shared/types"
)

// Document is the JSON-shaped proxy configuration handed to Manager.Start.
// It keeps the inbound/outbound layout of common core configs so callers can
// rewrite it field by field before launch.
type Document struct {
	Inbounds  []Inbound  `json:"inbounds"`
	Outbounds []Outbound `json:"outbounds"`
}

type Inbound struct {
	Tag      string          `json:"tag"`
	Listen   string          `json:"listen"`
	Port     int             `json:"port"`
	Protocol string          `json:"protocol"`
	Sniffing *Sniffing       `json:"sniffing,omitempty"`
	Settings InboundSettings `json:"settings"`
}

type Sniffing struct {
	Enabled      bool     `json:"enabled"`
	DestOverride []string `json:"destOverride"`
}

type InboundSettings struct {
	Auth             string `json:"auth,omitempty"`
	UDP              bool   `json:"udp,omitempty"`
	AllowTransparent bool   `json:"allowTransparent,omitempty"`
}

type Outbound struct {
	Tag      string           `json:"tag"`
	Protocol string           `json:"protocol"`
	Settings OutboundSettings `json:"settings"`
}

type OutboundSettings struct {
	Servers []OutboundServer `json:"servers,omitempty"`
}

type OutboundServer struct {
	Address string         `json:"address"`
	Port    int            `json:"port"`
	Users   []OutboundUser `json:"users,omitempty"`
}

type OutboundUser struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

// FromProfile builds the launch document for one profile: an outbound tagged
// "proxy" pointing at the profile's endpoint, plus a direct fallback. Inbounds
// are left for the caller to fill in.
func FromProfile(p *types.ServerProfile) *Document {
	var users []OutboundUser
	if p.Username != "" {
		users = append(users, OutboundUser{User: p.Username, Pass: p.Password})
	}

	protocol := p.Type
	if p.Type == types.ProtocolSOCKS5 {
		protocol = "socks"
	}

	return &Document{
		Outbounds: []Outbound{
			{
				Tag:      "proxy",
				Protocol: protocol,
				Settings: OutboundSettings{
					Servers: []OutboundServer{
						{Address: p.Address, Port: p.Port, Users: users},
					},
				},
			},
			{Tag: "direct", Protocol: "freedom"},
		},
	}
}

// LocalInbound is the standard local HTTP inbound with sniffing enabled.
func LocalInbound(port int) Inbound {
	return Inbound{
		Tag:      "http",
		Listen:   "127.0.0.1",
		Port:     port,
		Protocol: "http",
		Sniffing: &Sniffing{
			Enabled:      true,
			DestOverride: []string{"http", "tls"},
		},
		Settings: InboundSettings{
			Auth:             "noauth",
			UDP:              true,
			AllowTransparent: false,
		},
	}
}

// ReplaceInbounds substitutes the whole inbound list.
func (d *Document) ReplaceInbounds(inbounds ...Inbound) {
	d.Inbounds = inbounds
}

// RenameOutboundTag renames the first outbound carrying oldTag. Returns
// whether a rename happened.
func (d *Document) RenameOutboundTag(oldTag, newTag string) bool {
	for i := range d.Outbounds {
		if d.Outbounds[i].Tag == oldTag {
			d.Outbounds[i].Tag = newTag
			return true
		}
	}
	return false
}

// FirstOutbound returns the default outbound, nil when absent.
func (d *Document) FirstOutbound() *Outbound {
	if len(d.Outbounds) == 0 {
		return nil
	}
	return &d.Outbounds[0]
}

// DeepCopy clones the document through a JSON round trip, so rewrites for one
// launch never touch the source document.
func (d *Document) DeepCopy() *Document {
	data, err := json.Marshal(d)
	if err != nil {
		return &Document{}
	}
	cp := &Document{}
	if err := json.Unmarshal(data, cp); err != nil {
		return &Document{}
	}
	return cp
}

// Validate checks that the document describes a servable configuration.
func (d *Document) Validate() error {
	if len(d.Inbounds) == 0 {
		return errors.New("document has no inbounds")
	}
	if len(d.Outbounds) == 0 {
		return errors.New("document has no outbounds")
	}

	in := d.Inbounds[0]
	if in.Protocol != "http" {
		return fmt.Errorf("unsupported inbound protocol %q", in.Protocol)
	}
	if in.Listen == "" {
		return errors.New("inbound has no listen address")
	}
	if in.Port <= 0 || in.Port > 65535 {
		return fmt.Errorf("inbound port %d out of range", in.Port)
	}

	ob := d.Outbounds[0]
	switch ob.Protocol {
	case "freedom", "direct":
	case "http", "socks", "socks5":
		if len(ob.Settings.Servers) == 0 {
			return fmt.Errorf("outbound %q has no servers", ob.Tag)
		}
		srv := ob.Settings.Servers[0]
		if srv.Address == "" || srv.Port <= 0 || srv.Port > 65535 {
			return fmt.Errorf("outbound %q has a bad server endpoint", ob.Tag)
		}
	default:
		return fmt.Errorf("unsupported outbound protocol %q", ob.Protocol)
	}
	return nil
}
