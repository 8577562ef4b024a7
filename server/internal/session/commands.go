package session

import "strings"

// Command 是交互提示符中可用的运行时命令。
type Command int

const (
	CommandNone Command = iota
	CommandQuit
	CommandHistoryOff
	CommandHistoryOn
	CommandReset
)

// HelpLine 在会话开始时提示可用命令。
const HelpLine = "Toggle message history with 'history on/off' or reset with 'reset'"

func (c Command) String() string {
	switch c {
	case CommandQuit:
		return "quit"
	case CommandHistoryOff:
		return "history off"
	case CommandHistoryOn:
		return "history on"
	case CommandReset:
		return "reset"
	default:
		return "none"
	}
}

// ParseCommand 识别运行时命令，忽略大小写与首尾空白。非命令返回 CommandNone。
func ParseCommand(input string) Command {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "quit", "exit":
		return CommandQuit
	case "history off":
		return CommandHistoryOff
	case "history on":
		return CommandHistoryOn
	case "reset", "reset history", "history reset":
		return CommandReset
	default:
		return CommandNone
	}
}
