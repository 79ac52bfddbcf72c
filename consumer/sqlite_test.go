package consumer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/internal/testutils"
	"github.com/srg/blelog/pkg/record"
	"github.com/stretchr/testify/suite"
)

type SQLiteTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	path   string
}

func (suite *SQLiteTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.path = filepath.Join(suite.T().TempDir(), "db", "blelog.db")
}

func (suite *SQLiteTestSuite) open(batch int) *SQLite {
	s, err := OpenSQLite(suite.path, batch, time.Hour, suite.helper.Entry("sqlite"))
	suite.Require().NoError(err)
	return s
}

func (suite *SQLiteTestSuite) TestWritesRowsIntoEndpointTable() {
	// GOAL: Verify one table per endpoint with id, device_name and sanitized headers
	//
	// TEST SCENARIO: 3 records with batch size 2 → partial batch flushed on close → query rows
	// "Index" sanitizes to the SQL keyword index and MUST still work as a column name.
	ep := testEndpoint("Temp Sensor", "Index", "deg C")
	suite.Require().NoError(feed(suite.open(2),
		newRecord("left", ep, [][]any{{int64(1), 22.5}}, nil),
		newRecord("left", ep, [][]any{{int64(2), 23.5}, {int64(3), 24.5}}, nil),
		newRecord("right", ep, [][]any{{uint64(4), 25.5}}, nil),
	))

	s := suite.open(1)
	defer s.Close()
	rows, err := s.DB().Query(`SELECT id, device_name, "index", deg_c FROM temp_sensor ORDER BY id`)
	suite.Require().NoError(err)
	defer rows.Close()

	type row struct {
		id     int64
		device string
		index  string
		value  string
	}
	var got []row
	for rows.Next() {
		var r row
		suite.Require().NoError(rows.Scan(&r.id, &r.device, &r.index, &r.value))
		got = append(got, r)
	}
	suite.Require().NoError(rows.Err())
	suite.Equal([]row{
		{1, "left", "1", "22.5"},
		{2, "left", "2", "23.5"},
		{3, "left", "3", "24.5"},
		{4, "right", "4", "25.5"},
	}, got)
}

func (suite *SQLiteTestSuite) TestRowWidthMismatchIsSkipped() {
	ep := testEndpoint("temp", "a", "b")
	suite.Require().NoError(feed(suite.open(10),
		newRecord("x", ep, [][]any{{int64(1)}, {int64(1), int64(2)}}, nil),
	))

	s := suite.open(1)
	defer s.Close()
	var n int
	suite.Require().NoError(s.DB().QueryRow("SELECT COUNT(*) FROM temp").Scan(&n))
	suite.Equal(1, n)
	suite.Len(suite.helper.Entries(logrus.WarnLevel, "Row width mismatch"), 1)
}

func (suite *SQLiteTestSuite) TestFailingEndpointKeepsOtherTables() {
	// GOAL: Verify a table that cannot be created loses only its own rows
	//
	// TEST SCENARIO: "counter" declares a column "id" that clashes with the primary key →
	// batch mixing temp and counter → temp rows committed, counter not cached, next batch fine
	s := suite.open(10)
	defer s.Close()
	temp := testEndpoint("temp", "idx", "c")
	counter := testEndpoint("counter", "id", "v")
	ctx := context.Background()

	err := s.write(ctx, []*record.Record{
		newRecord("x", temp, [][]any{{int64(1), 20.5}}, nil),
		newRecord("x", counter, [][]any{{int64(1), int64(7)}}, nil),
		newRecord("x", temp, [][]any{{int64(2), 21.5}}, nil),
	})
	suite.Require().Error(err, "write MUST report the failing table")
	suite.Contains(err.Error(), "counter")
	suite.NotContains(s.tables, "counter", "a table whose CREATE failed MUST NOT be cached")

	suite.Require().NoError(s.write(ctx, []*record.Record{
		newRecord("x", temp, [][]any{{int64(3), 22.5}}, nil),
	}), "later batches for healthy tables MUST succeed")

	suite.Error(s.write(ctx, []*record.Record{
		newRecord("x", counter, [][]any{{int64(2), int64(8)}}, nil),
	}), "the failing table MUST be retried, not served from cache")

	var n int
	suite.Require().NoError(s.DB().QueryRow("SELECT COUNT(*) FROM temp").Scan(&n))
	suite.Equal(3, n, "temp rows MUST survive the counter failure")

	suite.Len(suite.helper.Entries(logrus.ErrorLevel, "Failed to write batch"), 1,
		"repeated failures of one table MUST be rate limited")
}

func (suite *SQLiteTestSuite) TestInsertFailureRollsBackOnlyThatTable() {
	// GOAL: Verify an insert error inside one table's transaction leaves other tables intact
	//
	// TEST SCENARIO: Make "b" read-only via a trigger → batch for a and b → a committed, b empty
	s := suite.open(10)
	defer s.Close()
	a := testEndpoint("a", "v")
	b := testEndpoint("b", "v")
	ctx := context.Background()

	suite.Require().NoError(s.write(ctx, []*record.Record{
		newRecord("x", b, [][]any{{int64(0)}}, nil),
	}))
	_, err := s.DB().Exec(`CREATE TRIGGER b_ro BEFORE INSERT ON b BEGIN SELECT RAISE(ABORT, 'read only'); END`)
	suite.Require().NoError(err)

	err = s.write(ctx, []*record.Record{
		newRecord("x", a, [][]any{{int64(1)}, {int64(2)}}, nil),
		newRecord("x", b, [][]any{{int64(1)}}, nil),
	})
	suite.Require().Error(err)

	var n int
	suite.Require().NoError(s.DB().QueryRow("SELECT COUNT(*) FROM a").Scan(&n))
	suite.Equal(2, n, "rows for a MUST be committed")
	suite.Require().NoError(s.DB().QueryRow("SELECT COUNT(*) FROM b").Scan(&n))
	suite.Equal(1, n, "b MUST keep only the row written before the trigger")
}

func TestSQLiteTestSuite(t *testing.T) {
	suite.Run(t, new(SQLiteTestSuite))
}
