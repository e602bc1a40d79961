package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/signalix/devicegate/internal/apperr"
	"github.com/signalix/devicegate/internal/model"
)

// DeviceRepo defines the interface for device repository operations
type DeviceRepo interface {
	UpsertReport(ctx context.Context, report model.DeviceReport) (model.Device, error)
	UpdateStatus(ctx context.Context, deviceID string, battery *int, online *bool) (model.Device, error)
	SetOnline(ctx context.Context, deviceID string, online bool) (model.Device, error)
	ReplaceSimInfo(ctx context.Context, deviceID string, sims model.SimList) (model.Device, error)
	UpdateForwarding(ctx context.Context, deviceID string, slot int, number string, autoManaged bool) error
	SetAutoExecute(ctx context.Context, deviceID string, enabled bool) (model.Device, error)
	Get(ctx context.Context, deviceID string) (model.Device, error)
	List(ctx context.Context) ([]model.Device, error)
	Delete(ctx context.Context, deviceID string) (bool, error)
	DeleteAll(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int, error)
}

type deviceRepo struct {
	db *sql.DB
}

// NewDeviceRepo creates a new DeviceRepo instance
func NewDeviceRepo(db *sql.DB) DeviceRepo {
	return &deviceRepo{db: db}
}

const deviceColumns = `device_id, device_name, battery, online, sim_info, auto_execute_enabled,
	monitoring_enabled, default_auto_number, last_status_check, last_seen, total_sms_count,
	last_sms_received, registration_count, created_at, updated_at`

func scanDevice(row rowScanner) (model.Device, error) {
	var d model.Device
	err := row.Scan(
		&d.DeviceID,
		&d.DeviceName,
		&d.Battery,
		&d.Online,
		&d.SimInfo,
		&d.CallForwarding.AutoExecuteEnabled,
		&d.CallForwarding.MonitoringEnabled,
		&d.CallForwarding.DefaultAutoNumber,
		&d.CallForwarding.LastStatusCheck,
		&d.LastSeen,
		&d.TotalSmsCount,
		&d.LastSmsReceived,
		&d.RegistrationCount,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	return d, err
}

func deviceErr(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("device not found")
	}
	return apperr.Store(op, err)
}

// UpsertReport creates the device on first report and applies the reported fields afterwards
func (r *deviceRepo) UpsertReport(ctx context.Context, report model.DeviceReport) (model.Device, error) {
	var sims interface{}
	if len(report.SimInfo) > 0 {
		sims = report.SimInfo
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO devices (device_id, device_name, battery, online, sim_info, total_sms_count, last_sms_received)
		VALUES (
			$1,
			COALESCE($2, 'Unknown Device'),
			COALESCE($3, 0),
			COALESCE($4, FALSE),
			COALESCE($5::jsonb, '[]'::jsonb),
			$6,
			CASE WHEN $6 > 0 THEN now() END
		)
		ON CONFLICT (device_id) DO UPDATE SET
			device_name = COALESCE($2, devices.device_name),
			battery = COALESCE($3, devices.battery),
			online = COALESCE($4, devices.online),
			sim_info = COALESCE($5::jsonb, devices.sim_info),
			total_sms_count = devices.total_sms_count + $6,
			last_sms_received = CASE WHEN $6 > 0 THEN now() ELSE devices.last_sms_received END,
			last_seen = now(),
			updated_at = now()
		RETURNING `+deviceColumns,
		report.DeviceID, report.DeviceName, report.Battery, report.Online, sims, report.NewMessageCount,
	)
	d, err := scanDevice(row)
	if err != nil {
		return model.Device{}, apperr.Store("upsert device", err)
	}
	return d, nil
}

// UpdateStatus updates battery/online of an existing device and refreshes last_seen
func (r *deviceRepo) UpdateStatus(ctx context.Context, deviceID string, battery *int, online *bool) (model.Device, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE devices
		SET battery = COALESCE($2, battery),
		    online = COALESCE($3, online),
		    last_seen = now(),
		    updated_at = now()
		WHERE device_id = $1
		RETURNING `+deviceColumns,
		deviceID, battery, online,
	)
	d, err := scanDevice(row)
	if err != nil {
		return model.Device{}, deviceErr(err, "update device status")
	}
	return d, nil
}

// SetOnline records channel connect/disconnect. A device may connect before it ever
// reported, so the row is created on demand; each connect counts as a registration.
func (r *deviceRepo) SetOnline(ctx context.Context, deviceID string, online bool) (model.Device, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO devices (device_id, online)
		VALUES ($1, $2)
		ON CONFLICT (device_id) DO UPDATE SET
			online = $2,
			registration_count = devices.registration_count + CASE WHEN $2 THEN 1 ELSE 0 END,
			last_seen = now(),
			updated_at = now()
		RETURNING `+deviceColumns,
		deviceID, online,
	)
	d, err := scanDevice(row)
	if err != nil {
		return model.Device{}, apperr.Store("set device online", err)
	}
	return d, nil
}

// ReplaceSimInfo overwrites the device's SIM list, creating the device if needed
func (r *deviceRepo) ReplaceSimInfo(ctx context.Context, deviceID string, sims model.SimList) (model.Device, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO devices (device_id, sim_info)
		VALUES ($1, $2)
		ON CONFLICT (device_id) DO UPDATE SET
			sim_info = $2,
			last_seen = now(),
			updated_at = now()
		RETURNING `+deviceColumns,
		deviceID, sims,
	)
	d, err := scanDevice(row)
	if err != nil {
		return model.Device{}, apperr.Store("replace sim info", err)
	}
	return d, nil
}

// UpdateForwarding records a call-forwarding change on the device's SIM slot.
// An empty number means forwarding was deactivated. Unknown slots are left alone.
func (r *deviceRepo) UpdateForwarding(ctx context.Context, deviceID string, slot int, number string, autoManaged bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Store("begin tx", err)
	}
	defer tx.Rollback()

	var sims model.SimList
	err = tx.QueryRowContext(ctx, `SELECT sim_info FROM devices WHERE device_id = $1 FOR UPDATE`, deviceID).Scan(&sims)
	if err != nil {
		return deviceErr(err, "load sim info")
	}

	now := time.Now().UTC()
	changed := false
	for i := range sims {
		if sims[i].Slot != slot {
			continue
		}
		status := &sims[i].ForwardingStatus
		sims[i].Forwarding = number
		status.AutoManaged = autoManaged
		status.Active = number != ""
		status.LastChecked = &now
		status.LastCommandSent = &now
		if number == "" {
			status.LastDeactivated = &now
		} else {
			status.LastActivated = &now
		}
		sims[i].UpdatedAt = now
		changed = true
	}
	if !changed {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE devices SET sim_info = $2, updated_at = now() WHERE device_id = $1
	`, deviceID, sims); err != nil {
		return apperr.Store("update sim info", err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Store("commit", err)
	}
	return nil
}

// SetAutoExecute toggles the device's auto-execution setting
func (r *deviceRepo) SetAutoExecute(ctx context.Context, deviceID string, enabled bool) (model.Device, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE devices
		SET auto_execute_enabled = $2, last_status_check = now(), updated_at = now()
		WHERE device_id = $1
		RETURNING `+deviceColumns,
		deviceID, enabled,
	)
	d, err := scanDevice(row)
	if err != nil {
		return model.Device{}, deviceErr(err, "set auto execute")
	}
	return d, nil
}

// Get returns a device by id
func (r *deviceRepo) Get(ctx context.Context, deviceID string) (model.Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = $1`, deviceID)
	d, err := scanDevice(row)
	if err != nil {
		return model.Device{}, deviceErr(err, "query device")
	}
	return d, nil
}

// List returns all devices, most recently seen first
func (r *deviceRepo) List(ctx context.Context) ([]model.Device, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY last_seen DESC`)
	if err != nil {
		return nil, apperr.Store("query devices", err)
	}
	defer rows.Close()

	devices := make([]model.Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, apperr.Store("scan device", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("iterate devices", err)
	}
	return devices, nil
}

// Delete removes a device; it reports false when no such device existed
func (r *deviceRepo) Delete(ctx context.Context, deviceID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE device_id = $1`, deviceID)
	if err != nil {
		return false, apperr.Store("delete device", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// DeleteAll removes every device and returns how many were deleted
func (r *deviceRepo) DeleteAll(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM devices`)
	if err != nil {
		return 0, apperr.Store("delete devices", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// Count returns the number of known devices
func (r *deviceRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&n); err != nil {
		return 0, apperr.Store("count devices", err)
	}
	return n, nil
}
