package console

import (
	"fmt"

	"github.com/banshee-data/csi.relay/internal/monitoring"
)

type handlerFunc func(p *Processor, line string) bool

var handlers = map[Kind]handlerFunc{
	KindTimeSync: (*Processor).handleTimeSync,
	KindConfig:   (*Processor).handleConfig,
	KindHelp:     (*Processor).handleHelp,
	KindStatus:   (*Processor).handleStatus,
	KindUnknown:  (*Processor).handleUnknown,
}

const helpText = `
=== Available Commands ===
Time Sync: SYNC_TIME: <seconds>.<microseconds>
Simple Time: <seconds>.<microseconds>
System Info: status, info
Help: help, ?
CSI Config: CSI_* commands (reserved)
===========================
`

func (p *Processor) handleHelp(string) bool {
	fmt.Fprint(p.cfg.Out, helpText)
	return true
}

func (p *Processor) handleStatus(string) bool {
	out := p.cfg.Out
	synced, ts := false, ""
	if p.cfg.Time != nil {
		synced, ts = p.cfg.Time.Snapshot()
	}
	fmt.Fprintln(out, "\n=== System Status ===")
	fmt.Fprintf(out, "Time Synchronized: %s\n", yesNo(synced))
	fmt.Fprintf(out, "Commands Processed: %d\n", p.handled.Load())
	if ts != "" {
		fmt.Fprintf(out, "Current Timestamp: %s\n", ts)
	}
	fmt.Fprintf(out, "CSI Mode: %s\n", p.cfg.Mode)
	fmt.Fprintf(out, "Device Role: %s\n", p.cfg.Role)
	if p.cfg.Extra != nil {
		for _, f := range p.cfg.Extra() {
			fmt.Fprintf(out, "%s: %s\n", f.Name, f.Value)
		}
	}
	fmt.Fprintln(out, "====================")
	return true
}

func (p *Processor) handleConfig(line string) bool {
	fmt.Fprintf(p.cfg.Out, "CSI configuration commands not yet implemented: %s\n", line)
	return true
}

func (p *Processor) handleTimeSync(line string) bool {
	fmt.Fprintf(p.cfg.Out, "Processing time synchronization: %s\n", line)
	if p.cfg.Time == nil {
		fmt.Fprintln(p.cfg.Out, "Time synchronization unavailable")
		return false
	}
	t, err := p.cfg.Time.ApplyLine(line)
	if err != nil {
		fmt.Fprintf(p.cfg.Out, "Time synchronization failed: %v\n", err)
		return false
	}
	monitoring.Logf("Clock synchronized to %d.%06d", t.Unix(), t.Nanosecond()/1000)
	fmt.Fprintln(p.cfg.Out, "Time synchronized")
	return true
}

func (p *Processor) handleUnknown(line string) bool {
	fmt.Fprintf(p.cfg.Out, "Unrecognized command: %s\n", line)
	fmt.Fprintln(p.cfg.Out, "Type 'help' for available commands")
	return false
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
