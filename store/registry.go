package store

import (
	"log"
	"time"

	"github.com/usetempo/tempod/bluetooth"
)

// Registry is the sqlite-backed device registry. It satisfies
// bluetooth.Registry; the connection manager only ever reads it and calls
// MarkConnected.
type Registry struct {
	db *DB
}

func NewRegistry(db *DB) *Registry {
	return &Registry{db: db}
}

// Register inserts or updates a peripheral record. The stored identifier is
// only ever written here, never by the discovery path.
func (r *Registry) Register(rec PeripheralRecord) error {
	_, err := r.db.Exec(`INSERT INTO peripherals (id, nickname, profile_id)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
		nickname = excluded.nickname,
		profile_id = excluded.profile_id`,
		rec.ID, rec.Nickname, rec.ProfileID)
	if err != nil {
		return &PersistenceError{Op: "register peripheral", Err: err}
	}
	return nil
}

// Remove deletes a peripheral record.
func (r *Registry) Remove(id string) error {
	if _, err := r.db.Exec(`DELETE FROM peripherals WHERE id = ?`, id); err != nil {
		return &PersistenceError{Op: "remove peripheral", Err: err}
	}
	return nil
}

// List returns all registered peripherals.
func (r *Registry) List() ([]PeripheralRecord, error) {
	rows, err := r.db.Query(`SELECT id, nickname, profile_id, last_connected_at FROM peripherals`)
	if err != nil {
		return nil, &PersistenceError{Op: "list peripherals", Err: err}
	}
	defer rows.Close()

	var out []PeripheralRecord
	for rows.Next() {
		var rec PeripheralRecord
		var lastConnected string
		if err := rows.Scan(&rec.ID, &rec.Nickname, &rec.ProfileID, &lastConnected); err != nil {
			return nil, &PersistenceError{Op: "scan peripheral", Err: err}
		}
		rec.LastConnectedAt = parseTime(lastConnected)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Find returns one peripheral record by identifier.
func (r *Registry) Find(id string) (*PeripheralRecord, bool, error) {
	records, err := r.List()
	if err != nil {
		return nil, false, err
	}
	for i := range records {
		if records[i].ID == id {
			return &records[i], true, nil
		}
	}
	return nil, false, nil
}

// FindByProfile returns the peripheral assigned to a profile, if any.
func (r *Registry) FindByProfile(profileID string) (*PeripheralRecord, bool, error) {
	records, err := r.List()
	if err != nil {
		return nil, false, err
	}
	for i := range records {
		if records[i].ProfileID == profileID {
			return &records[i], true, nil
		}
	}
	return nil, false, nil
}

// Peripherals adapts the registry rows to the connection manager's view.
func (r *Registry) Peripherals() ([]bluetooth.Peripheral, error) {
	records, err := r.List()
	if err != nil {
		return nil, err
	}
	out := make([]bluetooth.Peripheral, 0, len(records))
	for _, rec := range records {
		out = append(out, bluetooth.Peripheral{
			ID:        rec.ID,
			Nickname:  rec.Nickname,
			ProfileID: rec.ProfileID,
		})
	}
	return out, nil
}

// MarkConnected records the connection time for a peripheral.
func (r *Registry) MarkConnected(id string) error {
	res, err := r.db.Exec(`UPDATE peripherals SET last_connected_at = ? WHERE id = ?`,
		formatTime(time.Now()), id)
	if err != nil {
		return &PersistenceError{Op: "mark connected", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Printf("STORE: mark connected for unknown peripheral %s", id)
	}
	return nil
}
