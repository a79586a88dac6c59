// Package storage holds the external persistence collaborators: durable
// postgres repositories, the flat-file recent-transaction snapshot and the
// redis presence mirror.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"voltcore/internal/session"
)

// NewPostgresPool opens a pgx connection pool.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres pool: %w", err)
	}
	return pool, nil
}

// TransactionRepository persists completed and in-flight transactions
// durably, independent of the bounded recent list.
type TransactionRepository struct {
	pool *pgxpool.Pool
}

// NewTransactionRepository builds the repository.
func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

// Persist upserts the transaction record. Stop fields overwrite on conflict;
// start fields are written once.
func (r *TransactionRepository) Persist(ctx context.Context, tx session.Transaction) error {
	_, err := r.pool.Exec(ctx, `
        INSERT INTO transactions (
            id, device_id, connector_id, id_tag, start_time, stop_time,
            meter_start, meter_stop, status, energy_wh, cost, efficiency_pct
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (id) DO UPDATE SET
            stop_time = EXCLUDED.stop_time,
            meter_stop = EXCLUDED.meter_stop,
            status = EXCLUDED.status,
            energy_wh = EXCLUDED.energy_wh,
            cost = EXCLUDED.cost,
            efficiency_pct = EXCLUDED.efficiency_pct`,
		tx.ID, tx.DeviceID, tx.ConnectorID, tx.IdTag, tx.StartTime, tx.StopTime,
		tx.MeterStart, tx.MeterStop, tx.Status, tx.EnergyWh, tx.Cost, tx.EfficiencyPct)
	if err != nil {
		return fmt.Errorf("storage: persist transaction %s: %w", tx.ID, err)
	}
	return nil
}

// DeviceRepository persists the metadata devices report at boot.
type DeviceRepository struct {
	pool *pgxpool.Pool
}

// NewDeviceRepository builds the repository.
func NewDeviceRepository(pool *pgxpool.Pool) *DeviceRepository {
	return &DeviceRepository{pool: pool}
}

// SaveDevice upserts the device record, refreshing metadata and the boot
// timestamp on every registration.
func (r *DeviceRepository) SaveDevice(ctx context.Context, deviceID, vendor, model, firmware string) error {
	_, err := r.pool.Exec(ctx, `
        INSERT INTO devices (id, vendor, model, firmware_version, last_boot_at)
        VALUES ($1, $2, $3, $4, NOW())
        ON CONFLICT (id) DO UPDATE SET
            vendor = EXCLUDED.vendor,
            model = EXCLUDED.model,
            firmware_version = EXCLUDED.firmware_version,
            last_boot_at = EXCLUDED.last_boot_at`,
		deviceID, vendor, model, firmware)
	if err != nil {
		return fmt.Errorf("storage: save device %s: %w", deviceID, err)
	}
	return nil
}

// MessageLogRepository records raw OCPP frames for auditing.
type MessageLogRepository struct {
	pool *pgxpool.Pool
}

// NewMessageLogRepository builds the repository.
func NewMessageLogRepository(pool *pgxpool.Pool) *MessageLogRepository {
	return &MessageLogRepository{pool: pool}
}

// Save appends one frame to the log.
func (r *MessageLogRepository) Save(ctx context.Context, deviceID, direction, action string, payload []byte) error {
	_, err := r.pool.Exec(ctx, `
        INSERT INTO ocpp_messages (device_id, direction, action, payload, created_at)
        VALUES ($1, $2, $3, $4, NOW())`,
		deviceID, direction, action, payload)
	if err != nil {
		return fmt.Errorf("storage: save message log: %w", err)
	}
	return nil
}
