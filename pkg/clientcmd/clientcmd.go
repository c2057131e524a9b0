// Package clientcmd implements the client wire protocol's slash-command
// parsing and dispatch: an inbound line is either an utterance or a
// "/command arg..." line routed through a name->handler table. Grounded
// on original_source/talker/mesh.py's Client.COMMANDS dict dispatch,
// translated to a Go map[string]CommandFunc.
package clientcmd

import (
	"fmt"
	"strconv"
	"strings"
)

// Session is the subset of per-client state and server operations a
// slash command needs to act on. Implemented by internal/talkserver's
// client handle.
type Session interface {
	// Name reports the client's current speaker name.
	Name() string
	// SetName changes the client's speaker name for subsequent utterances.
	SetName(name string)
	// Say broadcasts utterance as speech from the client's current name.
	Say(utterance string)
	// Reply writes line directly back to this client only, with no mesh
	// broadcast (used for command output such as /peers).
	Reply(line string)
	// PeerListen opens a peer listening socket at addr ("host:port").
	PeerListen(addr string) error
	// PeerConnect dials an outbound PeerLink to addr.
	PeerConnect(addr string) error
	// PeerKill closes an established PeerLink by address.
	PeerKill(addr string) error
	// Peers reports one descriptive line per direct peer.
	Peers() []string
	// Quit closes the client's own Connection.
	Quit()
}

// CommandFunc implements one slash command's effect.
type CommandFunc func(s Session, args []string) error

// ErrUnknownCommand is returned by Dispatch when a line names a command
// not present in the table; callers render it as
// "ERR unknown-command <name>\r\n" per the client wire protocol.
type ErrUnknownCommand struct {
	Name string
}

func (e *ErrUnknownCommand) Error() string {
	return fmt.Sprintf("unknown-command %s", e.Name)
}

// ErrUsage is returned by a command handler when its arguments don't
// parse; callers render it as "ERR usage <detail>\r\n".
type ErrUsage struct {
	Detail string
}

func (e *ErrUsage) Error() string {
	return fmt.Sprintf("usage %s", e.Detail)
}

var commands = map[string]CommandFunc{
	"peer-listen":  cmdPeerListen,
	"peer-connect": cmdPeerConnect,
	"peer-kill":    cmdPeerKill,
	"peers":        cmdPeers,
	"name":         cmdName,
	"quit":         cmdQuit,
}

// Dispatch routes one inbound line: an utterance (not starting with "/")
// is forwarded to Session.Say; a "/command ..." line is looked up in the
// command table and invoked. Returns ErrUnknownCommand for an
// unrecognised command name, or whatever error the handler itself
// returns.
func Dispatch(s Session, line string) error {
	if !strings.HasPrefix(line, "/") {
		s.Say(line)
		return nil
	}

	fields := strings.Fields(line)
	name := strings.TrimPrefix(fields[0], "/")
	cmd, ok := commands[name]
	if !ok {
		return &ErrUnknownCommand{Name: name}
	}
	return cmd(s, fields[1:])
}

func hostPort(args []string, want string) (string, error) {
	if len(args) != 2 {
		return "", &ErrUsage{Detail: want}
	}
	if _, err := strconv.Atoi(args[1]); err != nil {
		return "", &ErrUsage{Detail: want}
	}
	return args[0] + ":" + args[1], nil
}

func cmdPeerListen(s Session, args []string) error {
	addr, err := hostPort(args, "peer-listen <host> <port>")
	if err != nil {
		return err
	}
	return s.PeerListen(addr)
}

func cmdPeerConnect(s Session, args []string) error {
	addr, err := hostPort(args, "peer-connect <host> <port>")
	if err != nil {
		return err
	}
	return s.PeerConnect(addr)
}

func cmdPeerKill(s Session, args []string) error {
	addr, err := hostPort(args, "peer-kill <host> <port>")
	if err != nil {
		return err
	}
	return s.PeerKill(addr)
}

func cmdPeers(s Session, args []string) error {
	for _, line := range s.Peers() {
		s.Reply(line)
	}
	return nil
}

func cmdName(s Session, args []string) error {
	if len(args) != 1 {
		return &ErrUsage{Detail: "name <nick>"}
	}
	s.SetName(args[0])
	return nil
}

func cmdQuit(s Session, args []string) error {
	s.Quit()
	return nil
}
