package grid

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// CommandKind 外部命令类别。
type CommandKind int

const (
	CmdCancelAll CommandKind = iota + 1
	CmdCancelByPrice
	CmdPlaceLimit
	CmdHoldLevel
	CmdRestoreLevel
)

// Command 在队列边界解码完成的外部命令。队列中的 op 字符串只在
// decodeCommand 里出现一次，引擎内部只对 Kind 做穷举分发。
type Command struct {
	Kind       CommandKind
	Side       Side
	Price      float64
	Contracts  float64
	ReduceOnly bool
}

// 命令文件里的一行。ReduceOnly 缺省时卖单默认 true（手工减仓是常见用法）。
type rawCommand struct {
	Op         string  `json:"op"`
	Side       string  `json:"side"`
	Price      float64 `json:"price"`
	Contracts  float64 `json:"contracts"`
	ReduceOnly *bool   `json:"reduceOnly"`
}

func decodeCommand(line []byte) (Command, error) {
	var raw rawCommand
	if err := json.Unmarshal(line, &raw); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	switch raw.Op {
	case "cancel_all":
		return Command{Kind: CmdCancelAll}, nil
	case "cancel_by_price":
		return Command{Kind: CmdCancelByPrice, Price: raw.Price}, nil
	case "place_limit":
		side := Side(raw.Side)
		if side != SideBuy && side != SideSell {
			return Command{}, fmt.Errorf("place_limit: bad side %q", raw.Side)
		}
		ro := side == SideSell
		if raw.ReduceOnly != nil {
			ro = *raw.ReduceOnly
		}
		return Command{Kind: CmdPlaceLimit, Side: side, Price: raw.Price, Contracts: raw.Contracts, ReduceOnly: ro}, nil
	case "hold_level", "cancel_and_hold":
		return Command{Kind: CmdHoldLevel, Price: raw.Price}, nil
	case "restore_level":
		return Command{Kind: CmdRestoreLevel, Price: raw.Price}, nil
	default:
		return Command{}, fmt.Errorf("unknown op %q", raw.Op)
	}
}

// CommandQueue 追加式 jsonl 命令文件。生产者按行追加，引擎读取后把文件截断，
// 每条命令至多被处理一次；截断后追加进来的命令留给下一轮。
type CommandQueue struct {
	path string
}

func NewCommandQueue(path string) *CommandQueue {
	return &CommandQueue{path: path}
}

// Drain 读取并截断命令文件，返回解码成功的命令和被跳过的坏行数。
// 文件不存在视为空队列。
func (q *CommandQueue) Drain() ([]Command, int, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("read command queue: %w", err)
	}
	if err := os.Truncate(q.path, 0); err != nil {
		return nil, 0, fmt.Errorf("truncate command queue: %w", err)
	}

	var cmds []Command
	malformed := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		cmd, err := decodeCommand(line)
		if err != nil {
			malformed++
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds, malformed, nil
}
