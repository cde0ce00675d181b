package config

type TargetConfig struct {
	Host   string            `yaml:"host"`
	Ports  []int             `yaml:"ports,omitempty"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler interface.
func (d *TargetConfig) UnmarshalYAML(unmashal func(interface{}) error) error {
	var s string
	if err := unmashal(&s); err == nil {
		d.Host = s
		return nil
	}

	type plain TargetConfig
	var x plain
	if err := unmashal(&x); err != nil {
		return err
	}

	*d = TargetConfig(x)
	return nil
}

func (t TargetConfig) MarshalYAML() (interface{}, error) {
	// If there are no ports and labels, just return the host as a string
	if len(t.Ports) == 0 && len(t.Labels) == 0 {
		return t.Host, nil
	}

	type plain TargetConfig
	return plain(t), nil
}
