package consumer

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/fanout"
	"github.com/srg/blelog/pkg/config"
)

// FromConfig creates every enabled consumer. logger returns the entry for a
// component name. On error, consumers already opened are released.
func FromConfig(cfg *config.Config, depths func() fanout.Depths, logger func(component string) *logrus.Entry) ([]fanout.Consumer, error) {
	c := cfg.Consumers
	var out []fanout.Consumer

	if c.CSV.Enabled {
		out = append(out, NewCSV(c.CSV.Dir, logger("csv")))
	}
	if c.SQLite.Enabled {
		db, err := OpenSQLite(c.SQLite.Path, c.SQLite.BatchSize, c.SQLite.FlushInterval, logger("sqlite"))
		if err != nil {
			release(out)
			return nil, err
		}
		out = append(out, db)
	}
	if c.Throughput.Enabled {
		out = append(out, NewThroughput(c.Throughput.Period, logger("throughput")))
	}
	if c.IndexCheck.Enabled {
		out = append(out, NewIndexCheck(c.IndexCheck.Endpoints, c.IndexCheck.Modulus, logger("index_check")))
	}
	if c.Metrics.Enabled {
		out = append(out, NewMetrics(c.Metrics.Listen, depths, logger("metrics")))
	}
	if c.NATS.Enabled {
		n, err := ConnectNATS(c.NATS.URL, c.NATS.ClientName, c.NATS.SubjectPrefix, c.NATS.Timeout, logger("nats"))
		if err != nil {
			release(out)
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// release closes consumers holding resources before Run was called.
func release(consumers []fanout.Consumer) {
	for _, c := range consumers {
		if s, ok := c.(*SQLite); ok {
			_ = s.Close()
		}
	}
}
