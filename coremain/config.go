package coremain

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/pmkol/dnsfwd/mlog"
)

type Config struct {
	Log       mlog.LogConfig   `yaml:"log"`
	Server    ServerConfig     `yaml:"server"`
	Cache     CacheConfig      `yaml:"cache"`
	Upstreams []UpstreamConfig `yaml:"upstreams"`
	AnswerTTL uint32           `yaml:"answer_ttl"` // (sec) ttl of answer records.
	API       APIConfig        `yaml:"api"`
}

type ServerConfig struct {
	// Listen is the udp "host:port" addr. Port can be a service name.
	Listen string `yaml:"listen"`

	// ReadTimeout bounds the wait for a query, housekeeping runs at least
	// this often. It is also the timeout of each upstream lookup.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type CacheConfig struct {
	// TTL is the age after which an entry is removed by gc.
	TTL time.Duration `yaml:"ttl"`
}

// UpstreamConfig is one upstream server. Upstreams are tried in the
// order they are configured.
type UpstreamConfig struct {
	Addr         string `yaml:"addr"`          // "ip" or "ip:port", port defaults to 53.
	DomainSuffix string `yaml:"domain_suffix"` // optional, appended to single label names.
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

const (
	defaultListen      = ":domain"
	defaultReadTimeout = 10 * time.Second
	defaultCacheTTL    = 86400 * time.Second
	defaultLogMaxSize  = 131072
)

// configDefaults are registered to viper before the config is read.
var configDefaults = map[string]any{
	"log.level":           "info",
	"log.file":            "",
	"log.max_size":        defaultLogMaxSize,
	"log.production":      false,
	"server.listen":       defaultListen,
	"server.read_timeout": defaultReadTimeout.String(),
	"cache.ttl":           defaultCacheTTL.String(),
	"answer_ttl":          0,
	"api.http":            "",
}

func (c *Config) Validate() error {
	if len(c.Upstreams) == 0 {
		return errors.New("no upstream is configured")
	}
	for i, u := range c.Upstreams {
		if len(u.Addr) == 0 {
			return fmt.Errorf("upstream #%d has no addr", i)
		}
	}
	if len(c.Server.Listen) == 0 {
		return errors.New("empty listen addr")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("invalid read timeout %s", c.Server.ReadTimeout)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("invalid cache ttl %s", c.Cache.TTL)
	}
	if c.Log.MaxSize < 0 {
		return fmt.Errorf("invalid log max size %d", c.Log.MaxSize)
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// secondsToDurationHook decodes bare numbers, and strings holding only a
// number, into durations of that many seconds.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != durationType || f == durationType {
			return data, nil
		}
		v := reflect.ValueOf(data)
		switch f.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(v.Int()) * time.Second, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return time.Duration(v.Uint()) * time.Second, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(v.Float() * float64(time.Second)), nil
		case reflect.String:
			if n, err := strconv.ParseInt(v.String(), 10, 64); err == nil {
				return time.Duration(n) * time.Second, nil
			}
		}
		return data, nil
	}
}
