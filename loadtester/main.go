package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/disintegration/imaging"
	"github.com/rs/xid"
)

var (
	queueURL       string
	bucket         string
	region         string
	sourcePrefix   string
	s3Endpoint     string
	sqsEndpoint    string
	numberOfImages int
	concurrency    int
	maxDimension   int
	sendTimeout    time.Duration
	currentPattern WorkloadPattern
)

func init() {
	queueURL = getEnv("SQS_QUEUE_URL", "")
	bucket = getEnv("S3_BUCKET", "")
	if queueURL == "" || bucket == "" {
		fmt.Fprintf(os.Stderr, "ERROR: SQS_QUEUE_URL and S3_BUCKET environment variables are required\n")
		os.Exit(1)
	}

	region = getEnv("AWS_REGION", "us-east-1")
	sourcePrefix = getEnv("LOAD_TEST_SOURCE_PREFIX", "raw-images/")
	s3Endpoint = getEnv("S3_ENDPOINT", "")
	sqsEndpoint = getEnv("SQS_ENDPOINT", "")
	numberOfImages = getEnvInt("LOAD_TEST_IMAGES", 200)
	concurrency = getEnvInt("LOAD_TEST_CONCURRENCY", 10)
	maxDimension = getEnvInt("LOAD_TEST_MAX_DIMENSION", 1024)
	sendTimeout = time.Duration(getEnvInt("LOAD_TEST_TIMEOUT_SECONDS", 30)) * time.Second

	currentPattern = WorkloadPattern(getEnv("LOAD_TEST_PATTERN", "wave"))
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

type WorkloadPattern string

const (
	PatternSteady    WorkloadPattern = "steady"
	PatternBurst     WorkloadPattern = "burst"
	PatternWave      WorkloadPattern = "wave"
	PatternTimeOfDay WorkloadPattern = "timeofday"
)

// same shape the worker decodes
type WorkItem struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

type Result struct {
	Success  bool
	Duration time.Duration
	Index    int
	Error    string
	Stage    string // upload or enqueue, where it failed
	Key      string
	Bytes    int
	Width    int
	Height   int
}

// UI Model
type model struct {
	spinner       spinner.Model
	progress      progress.Model
	totalImages   int
	sentImages    int
	successful    int
	failed        int
	uploadFails   int
	enqueueFails  int
	bytesUploaded int64
	recentLogs    []logEntry
	errors        []string
	latencies     []time.Duration
	minLatency    time.Duration
	maxLatency    time.Duration
	avgLatency    time.Duration
	throughput    float64
	startTime     time.Time
	currentTime   time.Time
	isComplete    bool
	width         int
	height        int
	pattern       WorkloadPattern
	patternPhase  string
}

type logEntry struct {
	timestamp time.Time
	message   string
	success   bool
}

type tickMsg time.Time
type resultMsg Result
type completeMsg struct{}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			Background(lipgloss.Color("235")).
			Padding(0, 1).
			MarginBottom(1)

	configValueStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("117")).
				Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("111"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2).
			MarginBottom(1)

	patternStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("213")).
			Bold(true)
)

func initialModel() model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return model{
		spinner:      s,
		progress:     progress.New(progress.WithDefaultGradient()),
		totalImages:  numberOfImages,
		recentLogs:   make([]logEntry, 0, 20),
		startTime:    time.Now(),
		pattern:      currentPattern,
		patternPhase: "Initializing",
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		tickCmd(),
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Millisecond*100, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 4
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tickMsg:
		m.currentTime = time.Time(msg)
		if !m.isComplete {
			return m, tickCmd()
		}
		return m, nil

	case resultMsg:
		m = m.recordResult(Result(msg))
		return m, nil

	case completeMsg:
		m.isComplete = true
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m model) recordResult(r Result) model {
	m.sentImages++
	m.latencies = append(m.latencies, r.Duration)

	if len(m.latencies) == 1 || r.Duration < m.minLatency {
		m.minLatency = r.Duration
	}
	if r.Duration > m.maxLatency {
		m.maxLatency = r.Duration
	}

	var total time.Duration
	for _, d := range m.latencies {
		total += d
	}
	m.avgLatency = total / time.Duration(len(m.latencies))

	m.patternPhase = getPatternPhase(m.pattern, float64(m.sentImages)/float64(m.totalImages))

	entry := logEntry{timestamp: time.Now(), success: r.Success}
	if r.Success {
		m.successful++
		m.bytesUploaded += int64(r.Bytes)
		entry.message = fmt.Sprintf("#%d %s %dx%d %s (%v)", r.Index, r.Key, r.Width, r.Height, humanBytes(int64(r.Bytes)), r.Duration.Round(time.Millisecond))
	} else {
		m.failed++
		if r.Stage == "upload" {
			m.uploadFails++
		} else {
			m.enqueueFails++
		}
		entry.message = fmt.Sprintf("#%d %s failed: %s", r.Index, r.Stage, r.Error)

		m.errors = append([]string{fmt.Sprintf("[%s] %s", r.Stage, r.Error)}, m.errors...)
		if len(m.errors) > 5 {
			m.errors = m.errors[:5]
		}
	}

	m.recentLogs = append([]logEntry{entry}, m.recentLogs...)
	if len(m.recentLogs) > 15 {
		m.recentLogs = m.recentLogs[:15]
	}

	if elapsed := time.Since(m.startTime).Seconds(); elapsed > 0 {
		m.throughput = float64(m.successful) / elapsed
	}
	return m
}

func (m model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("Thumbnail Pipeline Load Generator") + "\n")

	progressPercent := float64(m.sentImages) / float64(max(m.totalImages, 1))
	progressText := fmt.Sprintf("Progress: %d/%d images (%.1f%%)", m.sentImages, m.totalImages, progressPercent*100)
	if !m.isComplete {
		progressText = m.spinner.View() + " " + progressText
	} else {
		progressText = "✓ " + progressText
	}

	b.WriteString(progressText + "\n")
	b.WriteString(m.progress.ViewAs(progressPercent) + "\n\n")

	b.WriteString(m.renderConfigPanel() + "\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, m.renderMetricsPanel(), m.renderStatsPanel()) + "\n")
	b.WriteString(m.renderPatternVisualization() + "\n")
	b.WriteString(m.renderLogPanel() + "\n")

	if len(m.errors) > 0 {
		b.WriteString(m.renderErrorPanel() + "\n")
	}

	if m.isComplete {
		b.WriteString(successStyle.Render("\n✓ Test Complete! Press 'q' to quit"))
	} else {
		b.WriteString(labelStyle.Render("\nPress 'q' to quit"))
	}

	return b.String()
}

func truncateLeft(s string, n int) string {
	if len(s) > n {
		return "..." + s[len(s)-(n-3):]
	}
	return s
}

func (m model) renderConfigPanel() string {
	rows := [][2]string{
		{"Queue URL:", truncateLeft(queueURL, 60)},
		{"Bucket:", bucket + "/" + sourcePrefix},
		{"Region:", region},
		{"Workers:", strconv.Itoa(concurrency)},
		{"Pattern:", string(currentPattern)},
		{"Max Dimension:", fmt.Sprintf("%dpx", maxDimension)},
		{"Timeout:", fmt.Sprintf("%ds", int(sendTimeout.Seconds()))},
	}

	var content strings.Builder
	content.WriteString(labelStyle.Render("Configuration:"))
	for _, r := range rows {
		content.WriteString(fmt.Sprintf("\n  %s %s", labelStyle.Render(r[0]), configValueStyle.Render(r[1])))
	}

	return boxStyle.Width(84).Render(content.String())
}

func (m model) renderMetricsPanel() string {
	elapsed := m.currentTime.Sub(m.startTime)
	if elapsed <= 0 {
		elapsed = time.Since(m.startTime)
	}

	content := fmt.Sprintf(
		"%s %s\n"+
			"%s %s\n"+
			"%s %s\n"+
			"%s %s\n\n"+
			"%s\n"+
			"  %s %s\n"+
			"  %s %s\n\n"+
			"%s %s\n"+
			"%s %s\n"+
			"%s %s img/s",
		labelStyle.Render("Total Sent:"),
		valueStyle.Render(strconv.Itoa(m.sentImages)),
		labelStyle.Render("Successful:"),
		successStyle.Render(strconv.Itoa(m.successful)),
		labelStyle.Render("Failed:"),
		errorStyle.Render(strconv.Itoa(m.failed)),
		labelStyle.Render("Success Rate:"),
		valueStyle.Render(fmt.Sprintf("%.1f%%", float64(m.successful)/float64(max(m.sentImages, 1))*100)),
		labelStyle.Render("Failures By Stage:"),
		labelStyle.Render("Upload:"),
		errorStyle.Render(strconv.Itoa(m.uploadFails)),
		labelStyle.Render("Enqueue:"),
		errorStyle.Render(strconv.Itoa(m.enqueueFails)),
		labelStyle.Render("Uploaded:"),
		valueStyle.Render(humanBytes(m.bytesUploaded)),
		labelStyle.Render("Elapsed:"),
		valueStyle.Render(elapsed.Round(time.Second).String()),
		labelStyle.Render("Throughput:"),
		valueStyle.Render(fmt.Sprintf("%.2f", m.throughput)),
	)

	return boxStyle.Width(40).Render(content)
}

func (m model) renderStatsPanel() string {
	minStr, maxStr, avgStr := "N/A", "N/A", "N/A"
	if len(m.latencies) > 0 {
		minStr = m.minLatency.Round(time.Millisecond).String()
		maxStr = m.maxLatency.Round(time.Millisecond).String()
		avgStr = m.avgLatency.Round(time.Millisecond).String()
	}

	content := fmt.Sprintf(
		"%s\n"+
			"%s %s\n"+
			"%s %s\n"+
			"%s %s\n\n"+
			"%s\n%s",
		labelStyle.Render("Upload+Enqueue Latency:"),
		labelStyle.Render("  Min:"),
		valueStyle.Render(minStr),
		labelStyle.Render("  Max:"),
		valueStyle.Render(maxStr),
		labelStyle.Render("  Avg:"),
		valueStyle.Render(avgStr),
		labelStyle.Render("Recent Latency Trend:"),
		m.renderLatencySparkline(),
	)

	return boxStyle.Width(40).Render(content)
}

func (m model) renderLatencySparkline() string {
	if len(m.latencies) == 0 {
		return labelStyle.Render("  No data yet...")
	}

	// last 30 latencies
	recent := m.latencies[max(len(m.latencies)-30, 0):]

	lo, hi := recent[0], recent[0]
	for _, l := range recent {
		lo = min(lo, l)
		hi = max(hi, l)
	}

	bars := []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}
	var sparkline strings.Builder
	sparkline.WriteString("  ")

	for _, l := range recent {
		normalized := 0.5
		if hi > lo {
			normalized = float64(l-lo) / float64(hi-lo)
		}
		idx := int(normalized * float64(len(bars)-1))
		sparkline.WriteRune(bars[clamp(idx, 0, len(bars)-1)])
	}

	return valueStyle.Render(sparkline.String())
}

func (m model) renderPatternVisualization() string {
	progress := float64(m.sentImages) / float64(max(m.totalImages, 1))

	content := fmt.Sprintf(
		"%s %s\n"+
			"%s %s\n\n"+
			"%s",
		labelStyle.Render("Workload Pattern:"),
		patternStyle.Render(string(m.pattern)),
		labelStyle.Render("Phase:"),
		valueStyle.Render(m.patternPhase),
		generatePatternVisualization(m.pattern, progress, 60),
	)

	return boxStyle.Width(84).Render(content)
}

func (m model) renderLogPanel() string {
	var logs strings.Builder
	logs.WriteString(labelStyle.Render("Recent Activity:") + "\n\n")

	if len(m.recentLogs) == 0 {
		logs.WriteString(labelStyle.Render("  No activity yet..."))
	}

	for i, entry := range m.recentLogs {
		if i >= 10 {
			break
		}

		style, icon := successStyle, "✓"
		if !entry.success {
			style, icon = errorStyle, "✗"
		}

		logs.WriteString(fmt.Sprintf("  %s %s %s\n",
			labelStyle.Render(entry.timestamp.Format("15:04:05.000")),
			style.Render(icon),
			entry.message,
		))
	}

	return boxStyle.Width(84).Render(logs.String())
}

func (m model) renderErrorPanel() string {
	var errorList strings.Builder
	errorList.WriteString(errorStyle.Render("⚠ Recent Errors:") + "\n\n")

	for _, err := range m.errors {
		errorList.WriteString(fmt.Sprintf("  %s %s\n", errorStyle.Render("•"), err))
	}

	return boxStyle.Width(84).Render(errorList.String())
}

// intensity in [0,1] of the pattern at a point in the run
func patternIntensity(pattern WorkloadPattern, progress float64) float64 {
	switch pattern {
	case PatternBurst:
		if inBurst(progress) {
			return 0.9
		}
		return 0.3
	case PatternWave:
		return (1 + math.Sin(progress*6*math.Pi)) / 2
	case PatternTimeOfDay:
		hour := progress * 24
		switch {
		case hour < 6:
			return 0.2
		case hour < 9:
			return 0.5
		case hour < 14:
			return 0.9
		case hour < 20:
			return 0.6
		default:
			return 0.3
		}
	default:
		return 0.5
	}
}

func inBurst(progress float64) bool {
	return progress < 0.3 || (progress > 0.5 && progress < 0.6) || (progress > 0.8 && progress < 0.9)
}

func getPatternPhase(pattern WorkloadPattern, progress float64) string {
	switch pattern {
	case PatternBurst:
		if inBurst(progress) {
			return "🔥 BURST - High Volume"
		}
		return "📊 Normal - Steady Flow"

	case PatternWave:
		sineValue := math.Sin(progress * 6 * math.Pi)
		if sineValue > 0.5 {
			return "📈 Peak - High Activity"
		} else if sineValue < -0.5 {
			return "📉 Valley - Low Activity"
		}
		return "〰️ Transitioning"

	case PatternTimeOfDay:
		hour := progress * 24
		switch {
		case hour < 6:
			return "🌙 Night - Low Traffic"
		case hour < 9:
			return "🌅 Morning - Ramping Up"
		case hour < 14:
			return "☀️ Peak Hours - Maximum Load"
		case hour < 20:
			return "🌆 Evening - Moderate Traffic"
		default:
			return "🌃 Night - Winding Down"
		}

	case PatternSteady:
		return "▶️ Steady - Constant Rate"

	default:
		return "Unknown"
	}
}

func generatePatternVisualization(pattern WorkloadPattern, currentProgress float64, width int) string {
	var viz strings.Builder

	bars := []rune{' ', '▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

	for i := 0; i < width; i++ {
		progress := float64(i) / float64(width)
		idx := clamp(int(patternIntensity(pattern, progress)*float64(len(bars)-1)), 0, len(bars)-1)

		// highlight current position
		if math.Abs(progress-currentProgress) < 0.02 {
			viz.WriteString(successStyle.Render(string(bars[idx])))
		} else {
			viz.WriteString(labelStyle.Render(string(bars[idx])))
		}
	}

	return viz.String()
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGT"[exp])
}

// busier phases send faster
func getImageDelay(pattern WorkloadPattern, index int, total int, rng *rand.Rand) time.Duration {
	progress := float64(index) / float64(max(total, 1))
	baseDelay := 5 + int((1-patternIntensity(pattern, progress))*195)
	return time.Duration(baseDelay+rng.Intn(10)) * time.Millisecond
}

// busier phases send smaller images, quiet phases the big uploads
func getImageDimensions(pattern WorkloadPattern, index int, total int, rng *rand.Rand) (int, int) {
	progress := float64(index) / float64(max(total, 1))
	scale := 1 - 0.7*patternIntensity(pattern, progress)

	longSide := max(16, int(float64(maxDimension)*scale*(0.5+rng.Float64()/2)))
	shortSide := max(8, int(float64(longSide)*(0.5+rng.Float64()/2)))
	if rng.Intn(2) == 0 {
		return longSide, shortSide
	}
	return shortSide, longSide
}

// gradient plus noise so the PNG does not compress to nothing
func generateImage(rng *rand.Rand, w, h int) ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	base := color.NRGBA{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256)), A: 255}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: base.R + uint8(x*255/w),
				G: base.G + uint8(y*255/h),
				B: base.B + uint8(rng.Intn(32)),
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sendImage(ctx context.Context, s3Client *s3.Client, sqsClient *sqs.Client, rng *rand.Rand, index int, total int) Result {
	w, h := getImageDimensions(currentPattern, index, total, rng)
	key := fmt.Sprintf("%sloadtest/%06d-%s.png", sourcePrefix, index, xid.New().String())
	result := Result{Index: index, Key: key, Width: w, Height: h}

	data, err := generateImage(rng, w, h)
	if err != nil {
		result.Stage, result.Error = "upload", fmt.Sprintf("encode: %v", err)
		return result
	}
	result.Bytes = len(data)

	body, err := json.Marshal(WorkItem{Bucket: bucket, Key: key})
	if err != nil {
		result.Stage, result.Error = "enqueue", fmt.Sprintf("JSON marshal error: %v", err)
		return result
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	startTime := time.Now()
	_, err = s3Client.PutObject(sendCtx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("image/png"),
	})
	if err != nil {
		result.Stage, result.Error = "upload", err.Error()
		result.Duration = time.Since(startTime)
		return result
	}

	_, err = sqsClient.SendMessage(sendCtx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
	})
	result.Duration = time.Since(startTime)
	if err != nil {
		result.Stage, result.Error = "enqueue", err.Error()
		return result
	}

	result.Success = true
	return result
}

func main() {
	// signal handling graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Unable to load SDK config: %v\n", err)
		os.Exit(1)
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s3Endpoint != "" {
			o.BaseEndpoint = aws.String(s3Endpoint)
			o.UsePathStyle = true
		}
	})
	sqsClient := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if sqsEndpoint != "" {
			o.BaseEndpoint = aws.String(sqsEndpoint)
		}
	})

	p := tea.NewProgram(initialModel(), tea.WithAltScreen())

	results := make(chan Result, numberOfImages)

	go func() {
		jobs := make(chan int)

		var wg sync.WaitGroup
		for w := 0; w < concurrency; w++ {
			wg.Add(1)
			go func(workerID int) {
				defer wg.Done()
				rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

				for index := range jobs {
					select {
					case <-time.After(getImageDelay(currentPattern, index, numberOfImages, rng)):
					case <-ctx.Done():
						return
					}
					results <- sendImage(ctx, s3Client, sqsClient, rng, index, numberOfImages)
				}
			}(w)
		}

	feed:
		for i := 1; i <= numberOfImages; i++ {
			select {
			case jobs <- i:
			case <-ctx.Done():
				break feed
			}
		}
		close(jobs)

		wg.Wait()
		close(results)
	}()

	// forward results to UI
	go func() {
		for result := range results {
			p.Send(resultMsg(result))
		}
		p.Send(completeMsg{})
	}()

	go func() {
		<-sigChan
		cancel()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running program: %v\n", err)
		os.Exit(1)
	}
}
