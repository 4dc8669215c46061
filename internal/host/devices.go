package host

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tanlethanh/zedra/internal/database"
	"github.com/tanlethanh/zedra/internal/logutil"
	"github.com/tanlethanh/zedra/internal/sshkeys"
	"gorm.io/gorm"
)

var ErrDeviceNotFound = errors.New("device not found")

const maxDeviceName = 64

// Registry is the set of device keys allowed to open shells.
type Registry struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db, now: time.Now}
}

// Register adds a device key. Registering a key that is already known
// renames the existing device instead of adding a second one.
func (r *Registry) Register(name, authorizedKey string) (database.Device, error) {
	fp, err := sshkeys.AuthorizedKeyFingerprint([]byte(authorizedKey))
	if err != nil {
		return database.Device{}, err
	}
	name = strings.TrimSpace(logutil.SanitizeForLog(name))
	if len(name) > maxDeviceName {
		name = name[:maxDeviceName]
	}
	if name == "" {
		name = "device"
	}

	existing, ok, err := r.FindByFingerprint(fp)
	if err != nil {
		return database.Device{}, err
	}
	if ok {
		existing.Name = name
		if err := r.db.Model(&existing).Update("name", name).Error; err != nil {
			return database.Device{}, fmt.Errorf("rename device: %w", err)
		}
		return existing, nil
	}

	dev := database.Device{
		ID:          uuid.New().String(),
		Name:        name,
		PublicKey:   strings.TrimSpace(authorizedKey),
		Fingerprint: fp,
		PairedAt:    r.now(),
	}
	if err := r.db.Create(&dev).Error; err != nil {
		return database.Device{}, fmt.Errorf("create device: %w", err)
	}
	return dev, nil
}

func (r *Registry) List() ([]database.Device, error) {
	var devs []database.Device
	if err := r.db.Order("paired_at").Find(&devs).Error; err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devs, nil
}

// Revoke removes a device. id may also be a unique prefix of the device ID.
func (r *Registry) Revoke(id string) (database.Device, error) {
	dev, err := r.find(id)
	if err != nil {
		return database.Device{}, err
	}
	if err := r.db.Delete(&database.Device{}, "id = ?", dev.ID).Error; err != nil {
		return database.Device{}, fmt.Errorf("revoke device: %w", err)
	}
	return dev, nil
}

func (r *Registry) FindByFingerprint(fp string) (database.Device, bool, error) {
	var dev database.Device
	err := r.db.Where("fingerprint = ?", fp).First(&dev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return dev, false, nil
	}
	if err != nil {
		return dev, false, fmt.Errorf("find device: %w", err)
	}
	return dev, true, nil
}

func (r *Registry) Touch(id string) error {
	return r.db.Model(&database.Device{}).Where("id = ?", id).Update("last_connected_at", r.now()).Error
}

func (r *Registry) find(id string) (database.Device, error) {
	var devs []database.Device
	if err := r.db.Where("id = ? OR id LIKE ?", id, id+"%").Limit(2).Find(&devs).Error; err != nil {
		return database.Device{}, fmt.Errorf("find device: %w", err)
	}
	switch len(devs) {
	case 0:
		return database.Device{}, ErrDeviceNotFound
	case 1:
		return devs[0], nil
	default:
		for _, d := range devs {
			if d.ID == id {
				return d, nil
			}
		}
		return database.Device{}, fmt.Errorf("device id %q is ambiguous", id)
	}
}
