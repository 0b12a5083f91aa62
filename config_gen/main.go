/*
Package main in the directory config_gen implements a tool to read a testbed description from a
template, and generate the files every node needs: one key file per authority, the committee
file and the parameters file.
*/
package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/types"
	"github.com/spf13/viper"
)

func main() {
	viperRead := viper.New()
	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)
	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath("./")
	viperRead.SetDefault("workers", 1)
	viperRead.SetDefault("base_port", 9000)
	viperRead.SetDefault("output", "./")
	err := viperRead.ReadInConfig()
	if err != nil {
		panic(err)
	}

	// deal with hosts as a string map from node name to IP
	hostsInterface := viperRead.GetStringMap("IPs")
	if len(hostsInterface) == 0 {
		panic("no IPs in the template")
	}
	hosts := make(map[string]string, len(hostsInterface))
	for name, addr := range hostsInterface {
		addrAsString, ok := addr.(string)
		if !ok {
			panic("IPs in the template cannot be decoded correctly")
		}
		hosts[name] = addrAsString
	}

	workers := viperRead.GetInt("workers")
	basePort := viperRead.GetInt("base_port")
	output := viperRead.GetString("output")

	// every node gets a block of ports: the primary, then its workers
	authorities := make([]*config.Authority, 0, len(hosts))
	keys := make([]*config.KeyPair, 0, len(hosts))
	i := 0
	for _, name := range sortedNames(hosts) {
		kp := config.GenerateKeyPair(name)
		keys = append(keys, kp)
		port := basePort + i*(workers+1)
		authority := &config.Authority{
			Name:           name,
			Stake:          1,
			PublicKey:      kp.PublicKey,
			BLSPublicKey:   kp.BLSPublicKey,
			PrimaryAddress: hosts[name] + ":" + strconv.Itoa(port),
			Workers:        make(map[types.WorkerID]string, workers),
		}
		for j := 0; j < workers; j++ {
			authority.Workers[types.WorkerID(j)] = hosts[name] + ":" + strconv.Itoa(port+j+1)
		}
		authorities = append(authorities, authority)
		i++
	}
	committee, err := config.NewCommittee(viperRead.GetUint64("epoch"), authorities)
	if err != nil {
		panic(err)
	}

	// an optional parameters file overrides the defaults
	params, err := config.LoadParameters(viperRead.GetString("parameters"))
	if err != nil {
		panic(err)
	}

	// write to configure files
	for _, kp := range keys {
		if err := kp.Export(filepath.Join(output, fmt.Sprintf("%s.yaml", kp.Name))); err != nil {
			panic(err)
		}
	}
	if err := config.ExportCommittee(filepath.Join(output, "committee.yaml"), committee); err != nil {
		panic(err)
	}
	if err := config.ExportParameters(filepath.Join(output, "parameters.yaml"), params); err != nil {
		panic(err)
	}
	fmt.Printf("generated the files of %d authorities with %d workers each\n", len(keys), workers)
}

func sortedNames(hosts map[string]string) []string {
	names := make([]string, 0, len(hosts))
	for name := range hosts {
		names = append(names, name)
	}
	// node2 before node10
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) < len(names[j])
		}
		return names[i] < names[j]
	})
	return names
}
