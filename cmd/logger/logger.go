/*
 * Genbu File Service, (C) 2023 Genbu Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"go/build"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/minio/mc/pkg/console"
)

// global colors.
var (
	colorBold = color.New(color.Bold).SprintFunc()
	colorRed  = color.New(color.FgRed).SprintfFunc()
)

var trimStrings []string

// Level type
type Level int8

// Enumerated level types
const (
	Error Level = iota + 1
	Fatal
)

const loggerTimeFormat string = "15:04:05 MST 01/02/2006"

var matchingFuncNames = [...]string{
	"http.HandlerFunc.ServeHTTP",
	"cmd.serverMain",
	// add more here ..
}

func (level Level) String() string {
	var lvlStr string
	switch level {
	case Error:
		lvlStr = "ERROR"
	case Fatal:
		lvlStr = "FATAL"
	}
	return lvlStr
}

type traceEntry struct {
	Message   string            `json:"message"`
	Source    []string          `json:"source"`
	Variables map[string]string `json:"variables,omitempty"`
}

type args struct {
	Bucket string `json:"bucket,omitempty"`
	Path   string `json:"path,omitempty"`
}

type api struct {
	Name string `json:"name,omitempty"`
	Args args   `json:"args,omitempty"`
}

type logEntry struct {
	Level      string     `json:"level"`
	Time       string     `json:"time"`
	API        api        `json:"api,omitempty"`
	RemoteHost string     `json:"remotehost,omitempty"`
	RequestID  string     `json:"requestID,omitempty"`
	UserAgent  string     `json:"userAgent,omitempty"`
	Cause      string     `json:"cause,omitempty"`
	Trace      traceEntry `json:"error"`
}

// quiet: Hide startup messages if enabled
// jsonFlag: Display in JSON format, if enabled
var (
	quiet, jsonFlag bool
)

// EnableQuiet - turns quiet option on.
func EnableQuiet() {
	quiet = true
}

// EnableJSON - outputs logs in json format.
func EnableJSON() {
	jsonFlag = true
	quiet = true
}

// Println - wrapper to console.Println() with quiet flag.
func Println(args ...interface{}) {
	if !quiet {
		console.Println(args...)
	}
}

// Printf - wrapper to console.Printf() with quiet flag.
func Printf(format string, args ...interface{}) {
	if !quiet {
		console.Printf(format, args...)
	}
}

// Init sets the trimStrings to possible GOPATHs and GOROOT directories, so
// that file names in stack traces come out relative.
func Init(goPath string) {
	var goPathList []string
	if runtime.GOOS == "windows" {
		goPathList = strings.Split(goPath, ";")
	} else {
		goPathList = strings.Split(goPath, ":")
	}
	goPathList = append(goPathList, strings.Split(build.Default.GOPATH, string(os.PathListSeparator))...)

	trimStrings = []string{filepath.Join(runtime.GOROOT(), "src") + string(filepath.Separator)}
	for _, goPathString := range goPathList {
		trimStrings = append(trimStrings, filepath.Join(goPathString, "src")+string(filepath.Separator))
	}
	trimStrings = append(trimStrings, filepath.Join("github.com", "FinnRG", "genbu-beta")+string(filepath.Separator))
}

func trimTrace(f string) string {
	for _, trimString := range trimStrings {
		f = strings.TrimPrefix(filepath.ToSlash(f), filepath.ToSlash(trimString))
	}
	return filepath.FromSlash(f)
}

// getTrace method - creates and returns stack trace
func getTrace(traceLevel int) []string {
	var trace []string
	pc, file, lineNumber, ok := runtime.Caller(traceLevel)

	for ok {
		file = trimTrace(file)
		_, funcName := filepath.Split(runtime.FuncForPC(pc).Name())
		if !strings.HasPrefix(file, "<autogenerated>") &&
			!strings.HasPrefix(funcName, "runtime.") {
			trace = append(trace, fmt.Sprintf("%v:%v:%v()", file, lineNumber, funcName))

			for _, name := range matchingFuncNames {
				if funcName == name {
					return trace
				}
			}
		}
		traceLevel++
		pc, file, lineNumber, ok = runtime.Caller(traceLevel)
	}
	return trace
}

func logIf(level Level, err error, msg string, data ...interface{}) {
	if err == nil {
		return
	}
	cause := err.Error()
	trace := getTrace(3)
	timeOfError := time.Now().UTC().Format(time.RFC3339Nano)
	var output string
	message := fmt.Sprintf(msg, data...)
	if jsonFlag {
		logJSON, err := json.Marshal(&logEntry{
			Level: level.String(),
			Time:  timeOfError,
			Cause: cause,
			Trace: traceEntry{Source: trace, Message: message},
		})
		if err != nil {
			panic("json marshal of logEntry failed: " + err.Error())
		}
		output = string(logJSON)
	} else {
		trace[0] = "1: " + trace[0]
		for i, element := range trace[1:] {
			trace[i+1] = fmt.Sprintf("%8v: %s", i+2, element)
		}
		errMsg := fmt.Sprintf("[%s] [%s] %s (%s)",
			timeOfError, level.String(), message, cause)

		output = fmt.Sprintf("\nTrace: %s\n%s",
			strings.Join(trace, "\n"),
			colorRed(colorBold(errMsg)))
	}
	fmt.Println(output)

	if level == Fatal {
		os.Exit(1)
	}
}

// FatalIf logs the error with a message and exits when err is non-nil.
func FatalIf(err error, msg string, data ...interface{}) {
	logIf(Fatal, err, msg, data...)
}

// CriticalIf logs the error and exits; reserved for must-not-happen paths.
func CriticalIf(ctx context.Context, err error) {
	if err != nil {
		LogIf(ctx, err)
		os.Exit(1)
	}
}

// LogIf logs the error with the request info carried in ctx.
func LogIf(ctx context.Context, err error) {
	if err == nil {
		return
	}

	req := GetReqInfo(ctx)
	if req == nil {
		req = &ReqInfo{API: "SYSTEM"}
	}

	apiName := "SYSTEM"
	if req.API != "" {
		apiName = req.API
	}

	tags := make(map[string]string)
	for _, entry := range req.GetTags() {
		tags[entry.Key] = entry.Val
	}

	message := err.Error()
	trace := getTrace(2)
	var output string
	if jsonFlag {
		logJSON, err := json.Marshal(&logEntry{
			Level:      Error.String(),
			RemoteHost: req.RemoteHost,
			RequestID:  req.RequestID,
			UserAgent:  req.UserAgent,
			Time:       time.Now().UTC().Format(time.RFC3339Nano),
			API:        api{Name: apiName, Args: args{Bucket: req.BucketName, Path: req.FilePath}},
			Trace:      traceEntry{Message: message, Source: trace, Variables: tags},
		})
		if err != nil {
			panic(err)
		}
		output = string(logJSON)
	} else {
		for i, element := range trace {
			trace[i] = fmt.Sprintf("%8v: %s", i+1, element)
		}

		tagString := ""
		for key, value := range tags {
			if value != "" {
				if tagString != "" {
					tagString += ", "
				}
				tagString += key + "=" + value
			}
		}

		apiString := "API: " + apiName + "("
		if req.BucketName != "" {
			apiString = apiString + "bucket=" + req.BucketName
		}
		if req.FilePath != "" {
			apiString = apiString + ", path=" + req.FilePath
		}
		apiString += ")"
		timeString := "Time: " + time.Now().Format(loggerTimeFormat)

		var requestID string
		if req.RequestID != "" {
			requestID = "\nRequestID: " + req.RequestID
		}

		var remoteHost string
		if req.RemoteHost != "" {
			remoteHost = "\nRemoteHost: " + req.RemoteHost
		}

		var userAgent string
		if req.UserAgent != "" {
			userAgent = "\nUserAgent: " + req.UserAgent
		}

		if len(tags) > 0 {
			tagString = "\n       " + tagString
		}

		output = fmt.Sprintf("\n%s\n%s%s%s%s\nError: %s%s\n%s",
			apiString, timeString, requestID, remoteHost, userAgent,
			colorRed(colorBold(message)), tagString, strings.Join(trace, "\n"))
	}
	fmt.Println(output)
}
