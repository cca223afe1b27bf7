package dvid

import (
	"bytes"
	"log"
	"math"
	"os"
	"path/filepath"
	"testing"

	. "github.com/janelia-flyem/go/gocheck"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { TestingT(t) }

type DataSuite struct{}

var _ = Suite(&DataSuite{})

func (s *DataSuite) TestPoint3d(c *C) {
	a := Point3d{10, 21, 837821}
	b := Point3d{78312, -200, 40123}
	result := a.Add(b)
	c.Assert(result, Equals, Point3d{78322, -179, 877944})

	result = a.Sub(b)
	c.Assert(result, Equals, Point3d{-78302, 221, 797698})

	c.Assert(a.String(), Equals, "(10,21,837821)")
	c.Assert(Point3d{64, 64, 32}.Prod(), Equals, int64(131072))
	c.Assert(Point3d{1, -2, 3}.Vector3d(), Equals, Vector3d{1, -2, 3})
}

func (s *DataSuite) TestChunkPoint3d(c *C) {
	size := Point3d{64, 64, 32}
	chunk := ChunkPoint3d{2, 0, 3}
	c.Assert(chunk.MinPoint(size), Equals, Point3d{128, 0, 96})
	c.Assert(chunk.String(), Equals, "(2,0,3)")
}

func (s *DataSuite) TestVector3d(c *C) {
	a := Vector3d{1, 2, 3}
	b := Vector3d{4, 6, 3}
	c.Assert(a.DistanceSquared(b), Equals, 25.0)
	c.Assert(b.Subtract(a), Equals, Vector3d{3, 4, 0})
	c.Assert(a.Add(b), Equals, Vector3d{5, 8, 6})
	c.Assert(a.MultScalar(2), Equals, Vector3d{2, 4, 6})
	c.Assert(b.DivideScalar(2), Equals, Vector3d{2, 3, 1.5})
	c.Assert(a.Mult(b), Equals, Vector3d{4, 12, 9})
	c.Assert(a.Add(Vector3d{1, 1, 1}).String(), Equals, "(2,3,4)")

	v, err := StringToVector3d("1.5, 200,-3", ",")
	c.Assert(err, IsNil)
	c.Assert(v, Equals, Vector3d{1.5, 200, -3})
	_, err = StringToVector3d("1.5,200", ",")
	c.Assert(err, NotNil)
	_, err = StringToVector3d("1.5,x,3", ",")
	c.Assert(err, NotNil)
}

func (s *DataSuite) TestBox(c *C) {
	box := Box{Min: Vector3d{0, 0, 0}, Max: Vector3d{1000, 500, 250}}
	c.Assert(box.Contains(Vector3d{1000, 0, 250}), Equals, true)
	c.Assert(box.Contains(Vector3d{1000.1, 0, 0}), Equals, false)
	c.Assert(box.Contains(Vector3d{0, -1, 0}), Equals, false)
	c.Assert(box.Size(), Equals, Vector3d{1000, 500, 250})

	nan := math.NaN()
	c.Assert(box.Contains(Vector3d{nan, 0, 0}), Equals, false)
	c.Assert(box.Contains(Vector3d{500, nan, 100}), Equals, false)
	c.Assert(box.Contains(Vector3d{500, 100, math.Inf(1)}), Equals, false)
	c.Assert(box.Contains(Vector3d{math.Inf(-1), 100, 100}), Equals, false)
}

func (s *DataSuite) TestConfig(c *C) {
	config := NewConfig()
	config.SetAll(map[string]interface{}{
		"URL":      "gs://bucket/path",
		"memcache": int64(1024),
		"workers":  float64(4),
		"sync":     "true",
		"bogus":    []int{1},
	})
	config.Set("Verbose", true)

	str, found, err := config.GetString("url")
	c.Assert(err, IsNil)
	c.Assert(found, Equals, true)
	c.Assert(str, Equals, "gs://bucket/path")

	_, found, err = config.GetString("missing")
	c.Assert(err, IsNil)
	c.Assert(found, Equals, false)

	_, _, err = config.GetString("memcache")
	c.Assert(err, NotNil)

	i, found, err := config.GetInt("memcache")
	c.Assert(err, IsNil)
	c.Assert(found, Equals, true)
	c.Assert(i, Equals, 1024)
	i, _, err = config.GetInt("workers")
	c.Assert(err, IsNil)
	c.Assert(i, Equals, 4)
	_, _, err = config.GetInt("bogus")
	c.Assert(err, NotNil)

	c.Assert(config, HasLen, 6)
}

func (s *DataSuite) TestConvertToAbsolute(c *C) {
	path, err := ConvertToAbsolute("cache/badger", "/data/viewer")
	c.Assert(err, IsNil)
	c.Assert(path, Equals, "/data/viewer/cache/badger")

	path, err = ConvertToAbsolute("/var/log/lodview.log", "/data/viewer")
	c.Assert(err, IsNil)
	c.Assert(path, Equals, "/var/log/lodview.log")

	path, err = ConvertToAbsolute("gs://bucket/path", "/data/viewer")
	c.Assert(err, IsNil)
	c.Assert(path, Equals, "gs://bucket/path")
}

func (s *DataSuite) TestLogMode(c *C) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	oldMode := LogMode()
	defer SetLogMode(oldMode)

	SetLogMode(WarningMode)
	Infof("hidden %d\n", 1)
	Warningf("shown %d\n", 2)
	c.Assert(bytes.Contains(buf.Bytes(), []byte("hidden")), Equals, false)
	c.Assert(bytes.Contains(buf.Bytes(), []byte("WARNING shown 2")), Equals, true)

	buf.Reset()
	SetLogMode(DebugMode)
	timedLog := NewTimeLog()
	timedLog.Debugf("loaded %s", "block")
	c.Assert(bytes.Contains(buf.Bytes(), []byte("DEBUG loaded block: ")), Equals, true)
	c.Assert(timedLog.Elapsed() > 0, Equals, true)
}

func (s *DataSuite) TestLogFile(c *C) {
	defer log.SetOutput(os.Stderr)
	logfile := filepath.Join(c.MkDir(), "lodview.log")
	config := &LogConfig{Logfile: logfile, MaxSize: 1, MaxAge: 1}
	config.SetLogger()
	Errorf("something failed\n")
	Shutdown()

	data, err := os.ReadFile(logfile)
	c.Assert(err, IsNil)
	c.Assert(bytes.Contains(data, []byte("ERROR something failed")), Equals, true)
}
