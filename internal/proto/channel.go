package proto

import (
	"regexp"
	"strings"
)

// ChannelType is derived from the channel name prefix.
type ChannelType int

const (
	ChannelPublic ChannelType = iota
	ChannelPrivate
	ChannelPrivateEncrypted
	ChannelPresence
)

const (
	privatePrefix          = "private-"
	privateEncryptedPrefix = "private-encrypted-"
	presencePrefix         = "presence-"
)

// MaxChannelNameLength is the longest channel name servers accept.
const MaxChannelNameLength = 164

var (
	channelNamePattern = regexp.MustCompile(`^[-a-zA-Z0-9_=@,.;]+$`)
	socketIDPattern    = regexp.MustCompile(`^\d+\.\d+$`)
)

// ValidChannelName reports whether name is acceptable on the wire.
func ValidChannelName(name string) bool {
	return len(name) <= MaxChannelNameLength && channelNamePattern.MatchString(name)
}

// ValidSocketID reports whether id has the "digits.digits" form servers assign.
func ValidSocketID(id string) bool {
	return socketIDPattern.MatchString(id)
}

// TypeOf classifies a channel by name.
func TypeOf(name string) ChannelType {
	switch {
	case strings.HasPrefix(name, presencePrefix):
		return ChannelPresence
	case strings.HasPrefix(name, privateEncryptedPrefix):
		return ChannelPrivateEncrypted
	case strings.HasPrefix(name, privatePrefix):
		return ChannelPrivate
	default:
		return ChannelPublic
	}
}

// RequiresAuth reports whether subscribing needs a signed token.
func (t ChannelType) RequiresAuth() bool {
	return t != ChannelPublic
}

// AllowsClientEvents reports whether client-* events may be triggered on the channel.
func (t ChannelType) AllowsClientEvents() bool {
	return t == ChannelPrivate || t == ChannelPresence
}

func (t ChannelType) String() string {
	switch t {
	case ChannelPrivate:
		return "private"
	case ChannelPrivateEncrypted:
		return "private-encrypted"
	case ChannelPresence:
		return "presence"
	default:
		return "public"
	}
}
