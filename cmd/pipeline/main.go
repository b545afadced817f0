// Command pipeline is the CLI front end: it wires internal/config,
// resolves ffmpeg/ffprobe, classifies an input directory, builds one
// Job for the requested stage, and submits it to the orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/beatmix"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/beats"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/bgm"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/capability"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/classify"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/concat"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/config"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/cover"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/events"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/exec"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/frame"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/hwprobe"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/index"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/jobstore"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/media"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/normalize"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/orchestrator"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/probe"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/slice"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/subtitle"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/tools"
)

const (
	exitOK      = 0
	exitArgs    = 2
	exitRuntime = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	mode := flag.String("mode", "", "normalize|concat|beatmix|slice|cover|bgm|subtitle")
	input := flag.String("input", "", "input directory to classify")
	outDir := flag.String("out", "", "output directory (defaults to <input>/pipeline_out)")
	quality := flag.String("quality", "release", "quality mode: lossless|release|preview (normalize), balanced|compact|tiny (concat)")
	profile := flag.String("profile", "entertainment", "scene-slicer profile name")
	bgmPath := flag.String("bgm", "", "BGM track file or directory")
	language := flag.String("language", "en", "ASR language hint")
	keywords := flag.String("keywords", "", "comma-separated highlight keywords")
	workers := flag.Int("workers", 0, "worker count, defaults to config")
	sceneProfiles := flag.String("scene-profiles", "", "optional YAML overlay for scene-slicer profiles")
	transcriberPlugin := flag.String("transcriber-plugin", "", "path to a Transcriber capability plugin binary")
	visionPlugin := flag.String("vision-plugin", "", "path to a VisionCaptioner capability plugin binary")
	separatorPlugin := flag.String("separator-plugin", "", "path to an AudioSeparator capability plugin binary")
	jobStoreType := flag.String("jobstore-type", "", "sqlite|postgres, empty disables persistence")
	jobStoreDSN := flag.String("jobstore-dsn", "", "jobstore DSN/path")
	flag.Parse()

	fmt.Println("========================================")
	fmt.Println("  Batch Media Pipeline                 ")
	fmt.Println("========================================")

	if *mode == "" || *input == "" {
		log.Println("both -mode and -input are required")
		return exitArgs
	}

	cfg := config.Default()
	if *sceneProfiles != "" {
		if err := cfg.LoadSceneProfiles(*sceneProfiles); err != nil {
			log.Printf("load scene profiles: %v", err)
			return exitArgs
		}
	}
	if *workers > 0 {
		cfg.Concurrency.Workers = *workers
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("invalid configuration: %v", err)
		return exitArgs
	}

	paths, err := tools.Resolve(cfg.Tools)
	if err != nil {
		log.Printf("resolve ffmpeg/ffprobe: %v", err)
		return exitArgs
	}

	out := *outDir
	if out == "" {
		out = filepath.Join(*input, "pipeline_out")
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		log.Printf("create output dir: %v", err)
		return exitRuntime
	}

	items, err := classify.EnumerateDir(*input, true)
	if err != nil {
		log.Printf("enumerate input: %v", err)
		return exitArgs
	}
	if len(items) == 0 {
		log.Println("no media found under input")
		return exitArgs
	}

	gateway := exec.NewOSGateway()
	prober := probe.New(gateway, paths.FFprobe)
	hw := hwprobe.New(gateway, paths.FFmpeg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("shutting down: cancelling in-flight work")
		cancel()
	}()

	var kwList []string
	if *keywords != "" {
		kwList = strings.Split(*keywords, ",")
	}

	job, err := buildJob(ctx, *mode, jobParams{
		cfg: *cfg, gateway: gateway, prober: prober, hw: hw,
		ffmpegPath: paths.FFmpeg, items: items, outDir: out,
		quality: *quality, profile: *profile, bgmPath: *bgmPath,
		language: *language, keywords: kwList,
		transcriberPlugin: *transcriberPlugin,
		visionPlugin:      *visionPlugin,
		separatorPlugin:   *separatorPlugin,
	})
	if err != nil {
		log.Printf("build job: %v", err)
		return exitArgs
	}
	if len(job.Tasks) == 0 {
		log.Println("no applicable media for this mode")
		return exitArgs
	}

	bus := events.NewBus()
	job.Bus = bus
	sub := bus.Subscribe()
	done := make(chan struct{})
	go drainEvents(sub, done)

	started := time.Now().UTC()
	o := orchestrator.New(cfg.Concurrency.Workers)
	summary := o.Run(ctx, job)
	bus.Close()
	<-done

	fmt.Printf("done: %d ok, %d failed, %d cancelled (of %d)\n", summary.OK, summary.Failed, summary.Cancelled, summary.Total)

	if *jobStoreType != "" {
		store, err := jobstore.Open(*jobStoreType, *jobStoreDSN)
		if err != nil {
			log.Printf("jobstore open: %v", err)
		} else {
			defer store.Close()
			if err := store.Record(job, summary, started, time.Now().UTC()); err != nil {
				log.Printf("jobstore record: %v", err)
			}
		}
	}

	if summary.Failed > 0 {
		return exitRuntime
	}
	return exitOK
}

func drainEvents(sub <-chan events.Event, done chan<- struct{}) {
	defer close(done)
	for ev := range sub {
		switch data := ev.Data.(type) {
		case events.ProgressData:
			fmt.Printf("[%s] progress %d/%d\n", ev.JobID, data.Done, data.Total)
		case events.PhaseData:
			fmt.Printf("[%s] phase: %s\n", ev.JobID, data.Name)
		case events.ErrorData:
			fmt.Printf("[%s] error: %s: %s\n", ev.JobID, data.Kind, data.Message)
		case events.RowData:
			fmt.Printf("[%s] produced %s (%.1fs, %d bytes)\n", ev.JobID, data.Path, data.DurationS, data.SizeBytes)
		}
	}
}

type jobParams struct {
	cfg        config.Config
	gateway    exec.Gateway
	prober     *probe.Prober
	hw         *hwprobe.Probe
	ffmpegPath string
	items      []media.MediaItem
	outDir     string
	quality    string
	profile    string
	bgmPath    string
	language   string
	keywords   []string

	transcriberPlugin string
	visionPlugin      string
	separatorPlugin   string
}

func videoPaths(items []media.MediaItem) []string {
	var out []string
	for _, it := range items {
		if it.Kind == media.KindVideo {
			out = append(out, it.Path)
		}
	}
	return out
}

// buildJob dispatches on mode to build one orchestrator.Job. Each
// branch is grounded on the corresponding component's public entry
// point; capability-backed modes (slice, bgm, subtitle) launch their
// model plugin once up front and share it across every task.
func buildJob(ctx context.Context, mode string, p jobParams) (orchestrator.Job, error) {
	jobID := uuid.NewString()
	videos := videoPaths(p.items)

	switch mode {
	case "normalize":
		n := normalize.New(p.cfg, p.gateway, p.prober, p.hw, p.ffmpegPath)
		var tasks []*orchestrator.Task
		for _, v := range videos {
			v := v
			tasks = append(tasks, &orchestrator.Task{
				ID: filepath.Base(v),
				Fn: func(ctx context.Context) (orchestrator.Result, error) {
					res, err := n.Normalize(ctx, normalize.Request{InputPath: v, OutputRoot: p.outDir, Mode: p.quality})
					if err != nil {
						return orchestrator.Result{}, err
					}
					return orchestrator.Result{OutputPath: res.OutputPath}, nil
				},
			})
		}
		return orchestrator.Job{ID: jobID, Phase: string(events.PhaseNormalize), Tasks: tasks}, nil

	case "concat":
		idx, err := index.New(filepath.Join(p.outDir, "normalized"))
		if err != nil {
			return orchestrator.Job{}, fmt.Errorf("build resolution index: %w", err)
		}
		defer idx.Close()
		groups, err := idx.TopN(1)
		if err != nil {
			return orchestrator.Job{}, fmt.Errorf("find resolution group: %w", err)
		}
		if len(groups) == 0 {
			return orchestrator.Job{ID: jobID}, nil
		}
		c := concat.New(p.cfg, p.gateway, p.ffmpegPath)
		group := groups[0]
		task := &orchestrator.Task{
			ID: fmt.Sprintf("concat-%dx%d", group.Width, group.Height),
			Fn: func(ctx context.Context) (orchestrator.Result, error) {
				outPath, err := c.Concat(ctx, concat.Request{Clips: group.Files, OutputDir: p.outDir, Quality: p.quality, BGMPath: p.bgmPath})
				if err != nil {
					return orchestrator.Result{}, err
				}
				return orchestrator.Result{OutputPath: outPath}, nil
			},
		}
		return orchestrator.Job{ID: jobID, Phase: string(events.PhaseConcat), Tasks: []*orchestrator.Task{task}}, nil

	case "beatmix":
		if len(videos) == 0 {
			return orchestrator.Job{}, fmt.Errorf("beatmix requires at least one video")
		}
		extractor := beats.New(p.gateway, p.ffmpegPath)
		mixer := beatmix.New(p.cfg, p.gateway, p.prober, p.ffmpegPath)
		audioSource := videos[0]
		task := &orchestrator.Task{
			ID: "beatmix",
			Fn: func(ctx context.Context) (orchestrator.Result, error) {
				bMeta, err := extractor.Extract(ctx, audioSource)
				if err != nil {
					return orchestrator.Result{}, err
				}
				mixJob := beatmix.Job{
					Audio:     audioSource,
					Beats:     bMeta.Beats,
					Window:    beatmix.Window{Start: 0, End: bMeta.Duration},
					MediaPool: videos,
					OutputDir: p.outDir,
				}
				outPath, err := mixer.Mix(ctx, mixJob, bMeta)
				if err != nil {
					return orchestrator.Result{}, err
				}
				return orchestrator.Result{OutputPath: outPath}, nil
			},
		}
		return orchestrator.Job{ID: jobID, Phase: "beatmix", Tasks: []*orchestrator.Task{task}}, nil

	case "slice":
		transcriber, err := launchTranscriber(p.transcriberPlugin)
		if err != nil {
			return orchestrator.Job{}, err
		}
		var vision capability.VisionCaptioner
		if p.visionPlugin != "" {
			vision, err = launchVision(p.visionPlugin)
			if err != nil {
				return orchestrator.Job{}, err
			}
		}
		s := slice.New(p.cfg, p.gateway, p.prober, p.hw, p.ffmpegPath, transcriber, vision)
		sceneProfile, ok := p.cfg.SceneSlicer.Profiles[p.profile]
		if !ok {
			return orchestrator.Job{}, fmt.Errorf("unknown scene profile %q", p.profile)
		}
		var tasks []*orchestrator.Task
		for _, v := range videos {
			v := v
			tasks = append(tasks, &orchestrator.Task{
				ID: filepath.Base(v),
				Fn: func(ctx context.Context) (orchestrator.Result, error) {
					outs, err := s.Cut(ctx, slice.Request{VideoPath: v, ProfileName: sceneProfile.Name, Language: p.language, OutputDir: p.outDir})
					if err != nil {
						return orchestrator.Result{}, err
					}
					if len(outs) == 0 {
						return orchestrator.Result{}, nil
					}
					return orchestrator.Result{OutputPath: outs[0]}, nil
				},
			})
		}
		return orchestrator.Job{ID: jobID, Phase: string(events.PhaseSlicing), Tasks: tasks}, nil

	case "cover":
		picker := frame.New(p.gateway, p.hw, p.prober, p.ffmpegPath)
		stitcher := cover.New(p.cfg.Cover)
		task := &orchestrator.Task{
			ID: "cover",
			Fn: func(ctx context.Context) (orchestrator.Result, error) {
				var frames []string
				for _, v := range videos {
					dur := p.prober.ProbeDuration(ctx, v)
					res, err := picker.PickSharpest(ctx, v, 0, dur)
					if err != nil {
						continue
					}
					frames = append(frames, res.FramePath)
				}
				if len(frames) == 0 {
					return orchestrator.Result{}, fmt.Errorf("no frames extracted for cover")
				}
				chosen := cover.ChooseImages(frames, p.cfg.Cover.ImageCount)
				outPath, err := stitcher.BuildAndSave(chosen, nil, p.outDir)
				if err != nil {
					return orchestrator.Result{}, err
				}
				return orchestrator.Result{OutputPath: outPath}, nil
			},
		}
		return orchestrator.Job{ID: jobID, Phase: "cover", Tasks: []*orchestrator.Task{task}}, nil

	case "bgm":
		separator, err := launchSeparator(p.separatorPlugin)
		if err != nil {
			return orchestrator.Job{}, err
		}
		r := bgm.New(p.cfg, p.gateway, p.prober, p.ffmpegPath, separator)
		var tasks []*orchestrator.Task
		for _, v := range videos {
			v := v
			tasks = append(tasks, &orchestrator.Task{
				ID: filepath.Base(v),
				Fn: func(ctx context.Context) (orchestrator.Result, error) {
					outPath, err := r.Replace(ctx, bgm.Request{VideoPath: v, BGMPath: p.bgmPath, Strategy: capability.StrategyVocalsOnly, OutputDir: p.outDir})
					if err != nil {
						return orchestrator.Result{}, err
					}
					return orchestrator.Result{OutputPath: outPath}, nil
				},
			})
		}
		return orchestrator.Job{ID: jobID, Phase: "bgm", Tasks: tasks}, nil

	case "subtitle":
		transcriber, err := launchTranscriber(p.transcriberPlugin)
		if err != nil {
			return orchestrator.Job{}, err
		}
		r := subtitle.New(p.cfg, p.gateway, p.prober, p.ffmpegPath, transcriber)
		var tasks []*orchestrator.Task
		for _, v := range videos {
			v := v
			tasks = append(tasks, &orchestrator.Task{
				ID: filepath.Base(v),
				Fn: func(ctx context.Context) (orchestrator.Result, error) {
					outPath, err := r.BurnSubtitles(ctx, v, p.language, p.keywords)
					if err != nil {
						return orchestrator.Result{}, err
					}
					return orchestrator.Result{OutputPath: outPath}, nil
				},
			})
		}
		return orchestrator.Job{ID: jobID, Phase: "subtitle", Tasks: tasks}, nil

	default:
		return orchestrator.Job{}, fmt.Errorf("unknown mode %q", mode)
	}
}

func pluginLogger(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{Name: name, Level: hclog.Warn})
}

func launchTranscriber(binaryPath string) (capability.Transcriber, error) {
	if binaryPath == "" {
		return nil, fmt.Errorf("mode requires -transcriber-plugin")
	}
	_, raw, err := capability.Launch(binaryPath, pluginLogger("transcriber"), "transcriber")
	if err != nil {
		return nil, err
	}
	return capability.AsTranscriber(raw)
}

func launchVision(binaryPath string) (capability.VisionCaptioner, error) {
	_, raw, err := capability.Launch(binaryPath, pluginLogger("vision"), "vision")
	if err != nil {
		return nil, err
	}
	return capability.AsVisionCaptioner(raw)
}

func launchSeparator(binaryPath string) (capability.AudioSeparator, error) {
	if binaryPath == "" {
		return nil, fmt.Errorf("mode requires -separator-plugin")
	}
	_, raw, err := capability.Launch(binaryPath, pluginLogger("separator"), "separator")
	if err != nil {
		return nil, err
	}
	return capability.AsAudioSeparator(raw)
}
