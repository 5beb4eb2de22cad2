package store

import (
	"os"
	"path/filepath"

	"dario.cat/mergo"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"
)

// rcConfig mirrors the etcdrc YAML files. All fields are optional; whatever
// is set in a later file overrides the earlier ones.
type rcConfig struct {
	Host     string   `json:"host,omitempty"`
	Port     int      `json:"port,omitempty"`
	Hosts    []string `json:"hosts,omitempty"`
	Protocol string   `json:"protocol,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	CACert   string   `json:"ca_cert,omitempty"`
	Cert     string   `json:"cert,omitempty"`
	Key      string   `json:"key,omitempty"`
}

// loadRC merges the etcdrc files in order: the system-wide file, the current
// user's ~/.etcdrc, and the file named in the driver options. Files that do
// not exist or do not parse are skipped.
func loadRC(configfile string) rcConfig {
	files := []string{"/etc/etcd/etcdrc"}
	if home, err := homedir.Dir(); err == nil {
		files = append(files, filepath.Join(home, ".etcdrc"))
	}
	if configfile != "" {
		files = append(files, configfile)
	}

	var conf rcConfig
	for _, filename := range files {
		data, err := os.ReadFile(filename)
		if err != nil {
			continue
		}
		var c rcConfig
		if err := yaml.Unmarshal(data, &c); err != nil {
			logrus.WithField("file", filename).WithError(err).Warn("skipping unparseable etcdrc file")
			continue
		}
		if err := mergo.Merge(&conf, c, mergo.WithOverride); err != nil {
			logrus.WithField("file", filename).WithError(err).Warn("could not merge etcdrc file")
		}
	}
	return conf
}
