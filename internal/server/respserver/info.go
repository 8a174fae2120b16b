package respserver

import (
	"fmt"
	"strings"

	"github.com/fedis/fedis-go/internal/infra/buildinfo"
	"github.com/fedis/fedis-go/internal/resp"
	"github.com/fedis/fedis-go/internal/storage"
)

func (h *Handler) cmdInfo(_ *Conn, args [][]byte) resp.Value {
	if len(args) > 2 {
		return wrongArity("INFO")
	}

	section := "default"
	if len(args) == 2 {
		section = strings.ToLower(string(args[1]))
	}

	keys, expiring, memory := h.ks.Stats()
	persistence := h.engine.Persistence()

	var sections []string
	switch section {
	case "default", "all", "everything":
		sections = []string{
			h.serverSection(),
			h.clientsSection(),
			memorySection(memory),
			h.statsSection(),
			h.commandStatsSection(),
			persistenceSection(persistence),
			keyspaceSection(keys, expiring),
		}
	case "server":
		sections = []string{h.serverSection()}
	case "clients":
		sections = []string{h.clientsSection()}
	case "memory":
		sections = []string{memorySection(memory)}
	case "stats":
		sections = []string{h.statsSection()}
	case "commandstats":
		sections = []string{h.commandStatsSection()}
	case "persistence":
		sections = []string{persistenceSection(persistence)}
	case "keyspace":
		sections = []string{keyspaceSection(keys, expiring)}
	default:
		return resp.Error("ERR unsupported INFO section")
	}

	return resp.BulkString(strings.Join(sections, "\n"))
}

func (h *Handler) serverSection() string {
	uptime := h.stats.UptimeSecs()
	port := 6379
	if idx := strings.LastIndex(h.listenAddr, ":"); idx >= 0 {
		fmt.Sscanf(h.listenAddr[idx+1:], "%d", &port)
	}
	return fmt.Sprintf(
		"# Server\nredis_version:%s\nfedis_version:%s\nrun_id:%s\ntcp_port:%d\nuptime_in_seconds:%d\nuptime_in_days:%d",
		serverVersion, buildinfo.Version, h.runID, port, uptime, uptime/86_400,
	)
}

func (h *Handler) clientsSection() string {
	return fmt.Sprintf("# Clients\nconnected_clients:%d", h.stats.ConnectedClients())
}

func memorySection(memory int64) string {
	return fmt.Sprintf(
		"# Memory\nused_memory:%d\nused_memory_human:%s",
		memory, humanBytes(memory),
	)
}

func (h *Handler) statsSection() string {
	totalCommands := h.stats.TotalCommands()
	totalUsec := h.stats.TotalUsec()
	usecPerCall := 0.0
	if totalCommands > 0 {
		usecPerCall = float64(totalUsec) / float64(totalCommands)
	}
	return fmt.Sprintf(
		"# Stats\ntotal_connections_received:%d\ntotal_commands_processed:%d\ntotal_command_usec:%d\ninstantaneous_ops_per_sec:0\nusec_per_call:%.2f",
		h.stats.TotalConnections(), totalCommands, totalUsec, usecPerCall,
	)
}

func (h *Handler) commandStatsSection() string {
	var b strings.Builder
	b.WriteString("# Commandstats")
	for _, stat := range h.stats.Snapshot() {
		usecPerCall := 0.0
		if stat.Calls > 0 {
			usecPerCall = float64(stat.Usec) / float64(stat.Calls)
		}
		fmt.Fprintf(&b, "\ncmdstat_%s:calls=%d,usec=%d,usec_per_call=%.2f",
			strings.ToLower(stat.Verb), stat.Calls, stat.Usec, usecPerCall)
	}
	return b.String()
}

func persistenceSection(p storage.PersistenceInfo) string {
	return fmt.Sprintf(
		"# Persistence\naof_enabled:%d\naof_rewrite_in_progress:%d\naof_rewrites:%d\naof_rewrite_failures:%d\naof_last_rewrite_epoch_sec:%d\nsnapshot_enabled:%d\nsnapshot_in_progress:%d\nsnapshots:%d\nsnapshot_failures:%d\nlast_snapshot_epoch_sec:%d",
		boolToInt(p.AOFEnabled),
		boolToInt(p.RewriteInProgress),
		p.RewriteCount,
		p.RewriteFailCount,
		p.LastRewriteSec,
		boolToInt(p.SnapshotEnabled),
		boolToInt(p.SnapshotInProgress),
		p.SnapshotCount,
		p.SnapshotFailCount,
		p.LastSnapshotSec,
	)
}

func keyspaceSection(keys, expiring int) string {
	return fmt.Sprintf("# Keyspace\ndb0:keys=%d,expires=%d", keys, expiring)
}

func humanBytes(n int64) string {
	const (
		kb = float64(1024)
		mb = kb * 1024
		gb = mb * 1024
	)
	b := float64(n)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2fG", b/gb)
	case b >= mb:
		return fmt.Sprintf("%.2fM", b/mb)
	case b >= kb:
		return fmt.Sprintf("%.2fK", b/kb)
	default:
		return fmt.Sprintf("%dB", n)
	}
}
