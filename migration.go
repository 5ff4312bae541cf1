package morag

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/mistifyio/morag/pkg/connpool"
	"github.com/mistifyio/morag/pkg/kv"
	"github.com/pborman/uuid"
	log "github.com/Sirupsen/logrus"
)

var (
	// MigrationPath is the path in the config store
	MigrationPath = "morag/migrations/"

	// ErrNoActiveHosts is returned by EvacuateHost when no other active host
	// can take the evacuated systems
	ErrNoActiveHosts = errors.New("no other active hosts")
)

// Migration statuses. Transitions are forward-only; completed and failed are
// terminal.
const (
	MigrationStatusStarting  = "starting"
	MigrationStatusMigrating = "migrating"
	MigrationStatusCompleted = "completed"
	MigrationStatusFailed    = "failed"
)

// Migration types
const (
	MigrationTypeLive    = "live"
	MigrationTypeOffline = "offline"
)

var migrationTransitions = map[string][]string{
	MigrationStatusStarting:  {MigrationStatusMigrating, MigrationStatusFailed},
	MigrationStatusMigrating: {MigrationStatusCompleted, MigrationStatusFailed},
}

type (
	// MigrationFlags tune how a migration is performed. Zero numeric fields
	// fall back to the defaults when merged.
	MigrationFlags struct {
		Live          bool  `json:"live"`
		Tunneled      bool  `json:"tunneled"`
		Compressed    bool  `json:"compressed"`
		AutoConverge  bool  `json:"auto_converge"`
		CopyStorage   bool  `json:"copy_storage"`
		BandwidthMbps int   `json:"bandwidth_mbps"`
		MaxDowntimeMS int64 `json:"max_downtime_ms"`
	}

	// Migration is the ledger record of one relocation of a system between
	// hosts
	Migration struct {
		context       *Context
		modifiedIndex uint64
		ID            string         `json:"id"`
		SystemID      string         `json:"system_id"`
		SourceHostID  string         `json:"source_host_id"`
		TargetHostID  string         `json:"target_host_id"`
		Type          string         `json:"type"`
		Flags         MigrationFlags `json:"flags"`
		Status        string         `json:"status"`
		StartedAt     time.Time      `json:"started_at"`
		CompletedAt   *time.Time     `json:"completed_at,omitempty"`
		DowntimeMS    int64          `json:"downtime_ms"`
		ErrorMessage  string         `json:"error_message,omitempty"`
		Warnings      []string       `json:"warnings,omitempty"`
		RequestedBy   string         `json:"requested_by,omitempty"`
	}

	// Migrations is an alias to a slice of *Migration
	Migrations []*Migration

	// Migrator orchestrates migrations across the fleet
	Migrator struct {
		context *Context
		pools   *connpool.Manager[Driver]
		runner  *Runner
		bus     *Bus
	}
)

// DefaultMigrationFlags returns the flag set used when the caller specifies
// nothing
func DefaultMigrationFlags() MigrationFlags {
	return MigrationFlags{
		Live:          true,
		Tunneled:      true,
		Compressed:    false,
		AutoConverge:  true,
		CopyStorage:   false,
		BandwidthMbps: 100,
		MaxDowntimeMS: 300,
	}
}

// withDefaults fills zero numeric fields from the defaults
func (f MigrationFlags) withDefaults() MigrationFlags {
	defaults := DefaultMigrationFlags()
	if f.BandwidthMbps == 0 {
		f.BandwidthMbps = defaults.BandwidthMbps
	}
	if f.MaxDowntimeMS == 0 {
		f.MaxDowntimeMS = defaults.MaxDowntimeMS
	}
	return f
}

// Migration fetches a single Migration from the config store
func (c *Context) Migration(id string) (*Migration, error) {
	m := &Migration{
		context: c,
		ID:      id,
	}

	if err := m.Refresh(); err != nil {
		return nil, err
	}

	return m, nil
}

// Migrations fetches the Migration ledger, optionally filtered to one system.
// An empty systemID returns everything.
func (c *Context) Migrations(systemID string) (Migrations, error) {
	migrations := make(Migrations, 0)
	err := c.ForEachMigration(func(m *Migration) error {
		if systemID == "" || m.SystemID == systemID {
			migrations = append(migrations, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].StartedAt.Before(migrations[j].StartedAt)
	})
	return migrations, nil
}

// ForEachMigration will run f on each Migration. It will stop iteration if f
// returns an error.
func (c *Context) ForEachMigration(f func(*Migration) error) error {
	values, err := c.kv.GetAll(MigrationPath)
	if err != nil {
		return err
	}
	for _, value := range values {
		m := &Migration{context: c}
		if err := json.Unmarshal(value.Data, m); err != nil {
			return err
		}
		m.modifiedIndex = value.Index

		if err := f(m); err != nil {
			return err
		}
	}
	return nil
}

// key is a helper to generate the config store key
func (m *Migration) key() string {
	return filepath.Join(MigrationPath, m.ID)
}

// Refresh reloads the Migration from the data store
func (m *Migration) Refresh() error {
	value, err := m.context.kv.Get(m.key())
	if err != nil {
		return err
	}

	if err := json.Unmarshal(value.Data, m); err != nil {
		return err
	}
	m.modifiedIndex = value.Index
	return nil
}

// Validate ensures the Migration has reasonable data
func (m *Migration) Validate() error {
	if m.ID == "" {
		return errors.New("ID is required")
	}
	if m.SystemID == "" {
		return errors.New("SystemID is required")
	}
	if m.SourceHostID == "" || m.TargetHostID == "" {
		return errors.New("SourceHostID and TargetHostID are required")
	}
	switch m.Status {
	case MigrationStatusStarting, MigrationStatusMigrating, MigrationStatusCompleted, MigrationStatusFailed:
	default:
		return errors.New("invalid Status")
	}
	return nil
}

// Save persists the Migration to the data store
func (m *Migration) Save() error {
	if err := m.Validate(); err != nil {
		return err
	}

	v, err := json.Marshal(m)
	if err != nil {
		return err
	}

	index, err := m.context.kv.Update(m.key(), kv.Value{Data: v, Index: m.modifiedIndex})
	if err != nil {
		return err
	}
	m.modifiedIndex = index
	return nil
}

// Finished returns whether the Migration has reached a terminal status
func (m *Migration) Finished() bool {
	return m.Status == MigrationStatusCompleted || m.Status == MigrationStatusFailed
}

// transition advances the status, enforcing the forward-only state machine
func (m *Migration) transition(status string) error {
	for _, allowed := range migrationTransitions[m.Status] {
		if allowed == status {
			m.Status = status
			return nil
		}
	}
	return fmt.Errorf("invalid migration transition: %s -> %s", m.Status, status)
}

// NewMigrator creates a Migrator using the given pools, runner, and bus
func NewMigrator(c *Context, pools *connpool.Manager[Driver], runner *Runner, bus *Bus) *Migrator {
	return &Migrator{
		context: c,
		pools:   pools,
		runner:  runner,
		bus:     bus,
	}
}

// StartLiveMigration records a new migration of systemID between two hosts
// and schedules the heavy work on a background task. The returned record is
// in the starting status; callers poll the ledger or subscribe for the rest.
// A nil flags uses the defaults; Live=false selects the offline path.
func (mg *Migrator) StartLiveMigration(systemID, sourceHostID, targetHostID string, flags *MigrationFlags, requestedBy string) (*Migration, error) {
	if systemID == "" {
		return nil, errors.New("systemID is required")
	}
	if sourceHostID == targetHostID {
		return nil, errors.New("source and target host must differ")
	}
	if _, err := mg.context.Host(sourceHostID); err != nil {
		return nil, err
	}
	if _, err := mg.context.Host(targetHostID); err != nil {
		return nil, err
	}

	merged := DefaultMigrationFlags()
	if flags != nil {
		merged = flags.withDefaults()
	}

	migrationType := MigrationTypeLive
	if !merged.Live {
		migrationType = MigrationTypeOffline
	}

	m := &Migration{
		context:      mg.context,
		ID:           uuid.New(),
		SystemID:     systemID,
		SourceHostID: sourceHostID,
		TargetHostID: targetHostID,
		Type:         migrationType,
		Flags:        merged,
		Status:       MigrationStatusStarting,
		StartedAt:    time.Now(),
		RequestedBy:  requestedBy,
	}
	if err := m.Save(); err != nil {
		return nil, err
	}

	name := fmt.Sprintf("migrate %s to %s", systemID, targetHostID)
	if _, err := mg.runner.RunBackground(name, func(taskID string) error {
		return mg.Perform(m.ID)
	}); err != nil {
		return nil, err
	}

	return m, nil
}

// Perform runs the migration recorded under id: pre-migration checks, the
// live or offline move, and the terminal ledger update. On failure the record
// is marked failed with the error message; partially-moved state is not
// rolled back.
func (mg *Migrator) Perform(id string) error {
	m, err := mg.context.Migration(id)
	if err != nil {
		return err
	}
	if m.Status != MigrationStatusStarting {
		return fmt.Errorf("migration already performed: %s", m.Status)
	}

	source, err := mg.context.Host(m.SourceHostID)
	if err != nil {
		return mg.fail(m, err)
	}
	target, err := mg.context.Host(m.TargetHostID)
	if err != nil {
		return mg.fail(m, err)
	}

	// Pre-migration checks. CPU compatibility is best-effort and defaults to
	// compatible; memory and network reachability are verified by the
	// hypervisor itself during the move.
	if !cpuCompatible(source, target) {
		return mg.fail(m, errors.New("source and target cpus are incompatible"))
	}
	if !sharedStorage(source, target) && !m.Flags.CopyStorage {
		m.Flags.CopyStorage = true
		m.Warnings = append(m.Warnings, "copy_storage_required: no shared storage detected between hosts")
	}

	if err := m.transition(MigrationStatusMigrating); err != nil {
		return mg.fail(m, err)
	}
	if err := m.Save(); err != nil {
		return mg.fail(m, err)
	}

	pool := mg.pools.Pool(source.URI)
	pc, err := pool.Get()
	if err != nil {
		return mg.fail(m, err)
	}
	defer pool.Put(pc)

	var downtimeMS int64
	if m.Type == MigrationTypeLive {
		downtimeMS, err = mg.performLive(m, pc.Conn, target)
	} else {
		downtimeMS, err = mg.performOffline(m, pc.Conn, target)
	}
	if err != nil {
		return mg.fail(m, err)
	}

	mg.moveAllocation(m, source, target)

	now := time.Now()
	if err := m.transition(MigrationStatusCompleted); err != nil {
		return mg.fail(m, err)
	}
	m.DowntimeMS = downtimeMS
	m.CompletedAt = &now
	if err := m.Save(); err != nil {
		return err
	}

	mg.bus.Publish(EventSystemMigrated, map[string]interface{}{
		"systemId":     m.SystemID,
		"migrationId":  m.ID,
		"sourceHostId": m.SourceHostID,
		"targetHostId": m.TargetHostID,
		"downtimeMs":   downtimeMS,
	})

	return nil
}

// performLive moves the system while it keeps running. The hypervisor
// reports the cutover window it observed.
func (mg *Migrator) performLive(m *Migration, driver Driver, target *Host) (int64, error) {
	result, err := driver.Migrate(m.SystemID, target.URI, m.migrateOptions())
	if err != nil {
		return 0, err
	}
	return result.DowntimeMS, nil
}

// performOffline powers the system off, relocates it, and powers it back on
// at the target. Downtime is the whole off-to-on window.
func (mg *Migrator) performOffline(m *Migration, driver Driver, target *Host) (int64, error) {
	start := time.Now()
	if err := driver.PowerOff(m.SystemID); err != nil {
		return 0, err
	}
	if _, err := driver.Migrate(m.SystemID, target.URI, m.migrateOptions()); err != nil {
		return 0, err
	}

	targetPool := mg.pools.Pool(target.URI)
	tc, err := targetPool.Get()
	if err != nil {
		return 0, err
	}
	defer targetPool.Put(tc)
	if err := tc.Conn.PowerOn(m.SystemID); err != nil {
		return 0, err
	}

	return time.Since(start).Milliseconds(), nil
}

func (m *Migration) migrateOptions() MigrateOptions {
	return MigrateOptions{
		Live:          m.Flags.Live,
		Tunneled:      m.Flags.Tunneled,
		Compressed:    m.Flags.Compressed,
		AutoConverge:  m.Flags.AutoConverge,
		CopyStorage:   m.Flags.CopyStorage,
		BandwidthMbps: m.Flags.BandwidthMbps,
		MaxDowntimeMS: m.Flags.MaxDowntimeMS,
	}
}

// moveAllocation shifts the system's capacity reservation from source to
// target. Best-effort: a host that cannot absorb the reservation gets a
// warning on the ledger rather than a rollback of the finished move.
func (mg *Migrator) moveAllocation(m *Migration, source, target *Host) {
	pool := mg.pools.Pool(target.URI)
	pc, err := pool.Get()
	if err != nil {
		return
	}
	defer pool.Put(pc)

	sys, err := pc.Conn.GetSystem(m.SystemID)
	if err != nil {
		return
	}

	if err := mg.context.ReleasePlacement(source.ID, sys.VCPUs, sys.MemoryMiB); err != nil {
		log.WithFields(log.Fields{
			"migration": m.ID,
			"host":      source.ID,
			"error":     err,
		}).Warn("unable to release source allocation")
	}

	if err := target.Refresh(); err == nil {
		if err := target.UpdateAllocation(int64(sys.VCPUs), int64(sys.MemoryMiB)); err != nil {
			m.Warnings = append(m.Warnings, "target allocation exceeds capacity after migration")
		} else if err := target.Save(); err != nil {
			log.WithFields(log.Fields{
				"migration": m.ID,
				"host":      target.ID,
				"error":     err,
			}).Warn("unable to reserve target allocation")
		}
	}
}

func (mg *Migrator) fail(m *Migration, cause error) error {
	if !m.Finished() {
		// both pre-check and mid-flight failures land on failed
		m.Status = MigrationStatusFailed
		m.ErrorMessage = cause.Error()
		now := time.Now()
		m.CompletedAt = &now
		if err := m.Save(); err != nil {
			log.WithFields(log.Fields{
				"migration": m.ID,
				"error":     err,
			}).Error("unable to record migration failure")
		}
	}
	return cause
}

// cpuCompatible is a best-effort check that defaults to compatible when the
// hosts expose nothing to compare
func cpuCompatible(source, target *Host) bool {
	s, sok := source.Labels["cpu-model"]
	t, tok := target.Labels["cpu-model"]
	if !sok || !tok {
		return true
	}
	return s == t
}

// sharedStorage assumes hosts sharing a connection URI share storage
func sharedStorage(source, target *Host) bool {
	return source.URI == target.URI
}

// EvacuateHost issues one migration per system on the host, spreading targets
// round-robin across the remaining active hosts. It fails fast when no other
// active host exists.
func (mg *Migrator) EvacuateHost(hostID string) (Migrations, error) {
	host, err := mg.context.Host(hostID)
	if err != nil {
		return nil, err
	}

	var targets Hosts
	err = mg.context.ForEachHost(func(h *Host) error {
		if h.ID != hostID && h.State == HostStateActive {
			targets = append(targets, h)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, ErrNoActiveHosts
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })

	pool := mg.pools.Pool(host.URI)
	pc, err := pool.Get()
	if err != nil {
		return nil, err
	}
	systems, err := pc.Conn.ListSystems()
	pool.Put(pc)
	if err != nil {
		return nil, err
	}

	migrations := make(Migrations, 0, len(systems))
	for i, sys := range systems {
		target := targets[i%len(targets)]
		m, err := mg.StartLiveMigration(sys.Name, hostID, target.ID, nil, "evacuation")
		if err != nil {
			return migrations, err
		}
		migrations = append(migrations, m)
	}

	mg.bus.Publish(EventHostEvacuated, map[string]interface{}{
		"hostId":     hostID,
		"migrations": len(migrations),
	})

	return migrations, nil
}
