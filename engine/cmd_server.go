package engine

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// infoSections lists the INFO sections in output order
var infoSections = []string{"server", "clients", "stats", "replication", "keyspace"}

// cmdInfo implements INFO [section ...]
func (e *Engine) cmdInfo(c *call) protocol.Value {
	sections := infoSections
	if len(c.args) > 0 {
		sections = nil
		for _, arg := range c.args {
			name := strings.ToLower(string(arg))
			switch name {
			case "all", "everything", "default":
				sections = infoSections
			default:
				sections = append(sections, name)
			}
		}
	}

	title := cases.Title(language.English)

	var b strings.Builder
	for _, name := range sections {
		fields := e.infoSection(name)
		if fields == nil {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\r\n")
		}
		fmt.Fprintf(&b, "# %s\r\n", title.String(name))
		for _, f := range fields {
			fmt.Fprintf(&b, "%s:%s\r\n", f[0], f[1])
		}
	}
	return protocol.BulkStringFromString(b.String())
}

// infoSection returns the key/value lines of one INFO section, nil for an
// unknown section
func (e *Engine) infoSection(name string) [][2]string {
	switch name {
	case "server":
		uptime := time.Since(e.startTime)
		return [][2]string{
			{"redis_version", e.config.Version},
			{"redis_mode", "standalone"},
			{"os", runtime.GOOS + " " + runtime.GOARCH},
			{"go_version", runtime.Version()},
			{"process_id", strconv.Itoa(os.Getpid())},
			{"tcp_port", strconv.Itoa(e.config.Port)},
			{"uptime_in_seconds", strconv.FormatInt(int64(uptime/time.Second), 10)},
			{"uptime_in_days", strconv.FormatInt(int64(uptime/(24*time.Hour)), 10)},
		}
	case "clients":
		return [][2]string{
			{"connected_clients", strconv.FormatInt(e.connectedClients.Load(), 10)},
		}
	case "stats":
		return [][2]string{
			{"total_connections_received", strconv.FormatInt(e.connectionsReceived.Load(), 10)},
			{"total_commands_processed", strconv.FormatInt(e.commandsProcessed.Load(), 10)},
		}
	case "replication":
		return e.replicationInfo()
	case "keyspace":
		keys, expires := e.storage.KeyspaceStats()
		if keys == 0 {
			return [][2]string{}
		}
		return [][2]string{
			{"db0", fmt.Sprintf("keys=%d,expires=%d,avg_ttl=0", keys, expires)},
		}
	default:
		return nil
	}
}

func (e *Engine) replicationInfo() [][2]string {
	status := e.replicationStatus()

	fields := [][2]string{{"role", status.Role}}

	if status.Role == RoleReplica {
		linkStatus := "down"
		if status.LinkUp {
			linkStatus = "up"
		}
		fields = append(fields,
			[2]string{"master_host", status.MasterHost},
			[2]string{"master_port", strconv.Itoa(status.MasterPort)},
			[2]string{"master_link_status", linkStatus},
			[2]string{"master_sync_in_progress", boolFlag(status.SyncInProgress)},
			[2]string{"slave_repl_offset", strconv.FormatInt(status.Offset, 10)},
		)
	}

	fields = append(fields, [2]string{"connected_slaves", strconv.Itoa(len(status.Replicas))})
	for i, r := range status.Replicas {
		fields = append(fields, [2]string{
			"slave" + strconv.Itoa(i),
			fmt.Sprintf("ip=%s,port=%d,state=%s,offset=%d,lag=0", r.IP, r.Port, r.State, r.Offset),
		})
	}

	fields = append(fields,
		[2]string{"master_replid", status.ReplID},
		[2]string{"master_repl_offset", strconv.FormatInt(status.Offset, 10)},
	)
	return fields
}

func (e *Engine) replicationStatus() ReplicationStatus {
	switch {
	case e.replica != nil:
		return e.replica.Status()
	case e.master != nil:
		return e.master.Status()
	default:
		return ReplicationStatus{Role: RoleMaster, ReplID: strings.Repeat("0", 40)}
	}
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// cmdConfig implements CONFIG GET pattern [pattern ...]
func (e *Engine) cmdConfig(c *call) protocol.Value {
	switch strings.ToUpper(string(c.args[0])) {
	case "GET":
		if len(c.args) < 2 {
			return wrongArity("config|get")
		}
	case "SET":
		return protocol.ErrorValue("ERR CONFIG SET is not supported")
	default:
		return protocol.Errorf("ERR unknown subcommand '%s'. Try CONFIG HELP.", string(c.args[0]))
	}

	params := e.configParams()
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[string]bool)
	var items []string
	for _, pattern := range c.args[1:] {
		for _, name := range names {
			if seen[name] || !storage.MatchPattern(name, strings.ToLower(string(pattern))) {
				continue
			}
			seen[name] = true
			items = append(items, name, params[name])
		}
	}
	return protocol.BulkStrings(items...)
}

func (e *Engine) configParams() map[string]string {
	return map[string]string{
		"port":             strconv.Itoa(e.config.Port),
		"bind":             e.config.Bind,
		"replicaof":        e.config.ReplicaOf,
		"slaveof":          e.config.ReplicaOf,
		"requirepass":      e.config.Password,
		"dir":              e.config.Dir,
		"dbfilename":       e.config.DBFilename,
		"replica-snapshot": e.config.SnapshotMode,
		"appendonly":       "no",
		"save":             "",
		"databases":        "1",
	}
}

// cmdRole implements ROLE
func (e *Engine) cmdRole(c *call) protocol.Value {
	status := e.replicationStatus()

	if status.Role == RoleReplica {
		return protocol.Array(
			protocol.BulkStringFromString("slave"),
			protocol.BulkStringFromString(status.MasterHost),
			protocol.Integer(int64(status.MasterPort)),
			protocol.BulkStringFromString(status.State),
			protocol.Integer(status.Offset),
		)
	}

	replicas := make([]protocol.Value, len(status.Replicas))
	for i, r := range status.Replicas {
		replicas[i] = protocol.BulkStrings(r.IP, strconv.Itoa(r.Port), strconv.FormatInt(r.Offset, 10))
	}
	return protocol.Array(
		protocol.BulkStringFromString("master"),
		protocol.Integer(status.Offset),
		protocol.Array(replicas...),
	)
}
