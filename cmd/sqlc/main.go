// Обёртка над sqlc: для каждого *.query.sql из .sqlc.base.yaml собирает
// одноразовый sqlc.yaml и гоняет генерацию. Пакет и каталог вывода
// выводятся из имени файла: strategies.query.sql -> gen/strategies.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const tempConfigName = "sqlc.yaml"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sqlc wrapper: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	base := viper.New()
	base.SetConfigName(".sqlc.base")
	base.SetConfigType("yaml")
	base.AddConfigPath(".")
	if err := base.ReadInConfig(); err != nil {
		return errors.Wrap(err, "read base config")
	}

	patterns := base.GetStringSlice("sql.0.source")
	if len(patterns) == 0 {
		return errors.New("no sql.0.source patterns in base config")
	}

	files := make([]string, 0)
	for _, pattern := range patterns {
		matched, err := filepath.Glob(pattern)
		if err != nil {
			return errors.Wrapf(err, "glob %s", pattern)
		}
		files = append(files, matched...)
	}
	if len(files) == 0 {
		return errors.Errorf("no query files matched %v", patterns)
	}

	engine := base.Sub("sql.0")
	engine.Set("schema", base.GetString("sql.0.schema"))

	defer os.Remove(tempConfigName)
	for _, file := range files {
		cfg, err := perFileConfig(engine, base.GetString("version"), file)
		if err != nil {
			return errors.Wrapf(err, "config for %s", file)
		}
		if err := callSqlc(cfg); err != nil {
			return errors.Wrapf(err, "generate %s", file)
		}
		fmt.Printf("%s done\n", file)
	}
	return nil
}

// perFileConfig пишет временный sqlc.yaml под один query-файл.
func perFileConfig(engine *viper.Viper, version, file string) (string, error) {
	dir, base := filepath.Split(file)
	pkg := strings.TrimSuffix(base, ".query.sql")

	engine.Set("queries", file)
	engine.Set("gen.go.package", pkg)
	engine.Set("gen.go.out", filepath.Join(dir, "gen", pkg))

	settings := engine.AllSettings()
	delete(settings, "source")

	out := viper.New()
	out.Set("version", version)
	out.Set("sql", []interface{}{settings})

	bs, err := yaml.Marshal(out.AllSettings())
	if err != nil {
		return "", errors.Wrap(err, "marshal config")
	}
	if err := os.WriteFile(tempConfigName, bs, 0o644); err != nil {
		return "", errors.Wrap(err, "write temp config")
	}
	return tempConfigName, nil
}

func callSqlc(config string) error {
	cmd := exec.Command("sqlc", "generate", "--file", config)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "sqlc output: %s", string(output))
	}
	return nil
}
