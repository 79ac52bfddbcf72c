package logging

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

type SinkTestSuite struct {
	suite.Suite
	out    *bytes.Buffer
	logger *logrus.Logger
}

func (suite *SinkTestSuite) SetupTest() {
	suite.out = &bytes.Buffer{}
	suite.logger = NewLogger(logrus.InfoLevel, suite.out, nil)
}

func (suite *SinkTestSuite) TestCapturesComponentAndMessage() {
	// GOAL: Verify records carry the component field separately from other fields
	//
	// TEST SCENARIO: Log through For("scheduler") with an extra field → read Recent → check structure
	sink := NewSink(suite.logger, 8)
	sink.For("scheduler").WithField("address", "aa:bb").Warn("attempt failed")

	recs := sink.Recent(0)
	suite.Require().Len(recs, 1)
	suite.Equal("scheduler", recs[0].Component)
	suite.Equal("attempt failed", recs[0].Message)
	suite.Equal(logrus.WarnLevel, recs[0].Level)
	suite.Equal("aa:bb", recs[0].Fields["address"])
	suite.NotContains(recs[0].Fields, ComponentField)
	suite.Contains(suite.out.String(), "attempt failed", "records MUST still reach the logger output")
}

func (suite *SinkTestSuite) TestRingKeepsNewest() {
	// GOAL: Verify the ring is bounded and retains the newest records in order
	//
	// TEST SCENARIO: Capacity 3 → log 5 lines → Recent returns lines 2..4 oldest first
	sink := NewSink(suite.logger, 3)
	for i := 0; i < 5; i++ {
		sink.For("t").Info(fmt.Sprintf("line %d", i))
	}

	recs := sink.Recent(0)
	suite.Require().Len(recs, 3)
	suite.Equal("line 2", recs[0].Message)
	suite.Equal("line 4", recs[2].Message)

	again := sink.Recent(2)
	suite.Require().Len(again, 2, "Recent MUST NOT consume the ring")
	suite.Equal("line 3", again[0].Message)
}

func (suite *SinkTestSuite) TestLevelFilterApplies() {
	sink := NewSink(suite.logger, 4)
	sink.For("t").Debug("hidden")
	suite.Empty(sink.Recent(0), "records below logger level MUST NOT be captured")
}

func (suite *SinkTestSuite) TestExtraWriterReceivesOutput() {
	extra := &bytes.Buffer{}
	logger := NewLogger(logrus.InfoLevel, suite.out, extra)
	logger.Info("to both")

	suite.True(strings.Contains(extra.String(), "to both"))
	suite.True(strings.Contains(suite.out.String(), "to both"))
}

func TestSinkTestSuite(t *testing.T) {
	suite.Run(t, new(SinkTestSuite))
}
