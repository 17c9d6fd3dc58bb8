package builder

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/joescharf/tsr/internal/models"
)

// JUnit XML structures. Only the attributes the report needs are decoded.

type junitTestSuites struct {
	XMLName    xml.Name         `xml:"testsuites"`
	TestSuites []junitTestSuite `xml:"testsuite"`
}

type junitTestSuite struct {
	XMLName   xml.Name        `xml:"testsuite"`
	Name      string          `xml:"name,attr"`
	Tests     int             `xml:"tests,attr"`
	Failures  int             `xml:"failures,attr"`
	Errors    int             `xml:"errors,attr"`
	Skipped   int             `xml:"skipped,attr"`
	Time      float64         `xml:"time,attr"`
	TestCases []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	Name      string        `xml:"name,attr"`
	Classname string        `xml:"classname,attr"`
	Failure   *junitProblem `xml:"failure"`
	Error     *junitProblem `xml:"error"`
}

// junitProblem is a <failure> or <error> element.
type junitProblem struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Content string `xml:",chardata"`
}

// typeKeywords maps filename substrings to test types. Order matters: the
// first match wins.
var typeKeywords = []struct {
	keywords []string
	testType models.TestType
}{
	{[]string{"unit"}, models.TestTypeUnit},
	{[]string{"integration"}, models.TestTypeIntegration},
	{[]string{"e2e", "end"}, models.TestTypeE2E},
	{[]string{"acceptance"}, models.TestTypeAcceptance},
	{[]string{"eval"}, models.TestTypeEvals},
	{[]string{"security"}, models.TestTypeSecurity},
	{[]string{"performance", "perf"}, models.TestTypePerformance},
	{[]string{"steelthread", "steel_thread", "steel-thread"}, models.TestTypeSteelThread},
}

// InferTestType guesses a suite's test type from its file name. Names that
// match no keyword are treated as unit tests.
func InferTestType(filename string) models.TestType {
	lower := strings.ToLower(filename)
	for _, tk := range typeKeywords {
		for _, kw := range tk.keywords {
			if strings.Contains(lower, kw) {
				return tk.testType
			}
		}
	}
	return models.TestTypeUnit
}

// ParseJUnit aggregates a JUnit XML document into a TestTypeResult. The root
// may be <testsuites> or a single <testsuite>; errors count as failures and
// suite times are summed in milliseconds.
func ParseJUnit(r io.Reader, testType models.TestType) (models.TestTypeResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return models.TestTypeResult{}, fmt.Errorf("read junit: %w", err)
	}

	var root struct {
		XMLName xml.Name
	}
	if err := xml.Unmarshal(data, &root); err != nil {
		return models.TestTypeResult{}, fmt.Errorf("parse junit: %w", err)
	}

	var suites []junitTestSuite
	switch root.XMLName.Local {
	case "testsuites":
		var doc junitTestSuites
		if err := xml.Unmarshal(data, &doc); err != nil {
			return models.TestTypeResult{}, fmt.Errorf("parse junit: %w", err)
		}
		suites = doc.TestSuites
	case "testsuite":
		var suite junitTestSuite
		if err := xml.Unmarshal(data, &suite); err != nil {
			return models.TestTypeResult{}, fmt.Errorf("parse junit: %w", err)
		}
		suites = []junitTestSuite{suite}
	default:
		return models.TestTypeResult{}, fmt.Errorf("parse junit: unexpected root element <%s>", root.XMLName.Local)
	}

	res := models.TestTypeResult{TestType: testType, FailureDetails: []models.FailureDetail{}}
	for _, s := range suites {
		res.Total += s.Tests
		res.Failed += s.Failures + s.Errors
		res.Skipped += s.Skipped
		res.DurationMS += int64(s.Time * 1000)

		for _, tc := range s.TestCases {
			p := tc.Failure
			if p == nil {
				p = tc.Error
			}
			if p == nil {
				continue
			}
			res.FailureDetails = append(res.FailureDetails, models.FailureDetail{
				TestName:  tc.Name,
				ClassName: tc.Classname,
				Message:   p.Message,
				Type:      p.Type,
				Details:   p.Content,
			})
		}
	}
	res.Passed = res.Total - res.Failed - res.Skipped
	return res, nil
}
