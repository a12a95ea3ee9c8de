package devices

import (
	"fmt"
	"os"

	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"gopkg.in/yaml.v3"
)

// ProvisioningFile is the YAML document listing devices known at startup.
type ProvisioningFile struct {
	Devices []types.Device `yaml:"devices"`
}

func LoadProvisioningFile(path string) ([]types.Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provisioning file: %w", err)
	}

	var file ProvisioningFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Devices))
	for _, d := range file.Devices {
		if d.ID == "" {
			return nil, fmt.Errorf("provisioning file %s: device without id", path)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("provisioning file %s: duplicate device %s", path, d.ID)
		}
		seen[d.ID] = true
	}

	return file.Devices, nil
}

// ProvisionFromFile loads the file and provisions every device in it.
func (r *Registry) ProvisionFromFile(path string) (int, error) {
	list, err := LoadProvisioningFile(path)
	if err != nil {
		return 0, err
	}

	for _, d := range list {
		if err := r.Provision(d); err != nil {
			return 0, err
		}
	}
	return len(list), nil
}
