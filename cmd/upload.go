package cmd

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"media-flow/app/config"
	"media-flow/app/logger"
	"media-flow/app/model"
	"media-flow/app/preprocess"
	"media-flow/app/storage"
	"media-flow/app/uploadqueue"

	"github.com/spf13/cobra"
)

var (
	uploadOwnerID       uint
	uploadAssociationID string
)

var uploadCmd = &cobra.Command{
	Use:   "upload <文件...>",
	Short: "从命令行批量上传文件",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		log := logger.New(cfg.Log)
		defer log.Sync()

		store, err := storage.New(&cfg.Storage, log)
		if err != nil {
			log.Fatalf("创建对象存储客户端失败: %v", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if err := store.EnsureBucket(ctx); err != nil {
			log.Fatalf("检查存储桶失败: %v", err)
		}

		processor := preprocess.New(cfg.Image, log)
		queue := uploadqueue.New(cfg.Upload, store, processor, cfg.Storage.KeyPrefix, log)

		queue.OnProgress(func(task model.UploadTask) {
			if task.Status == model.TaskStatusUploading {
				fmt.Printf("\r%-40s %6.2f%%", task.Source.Name, task.Progress)
			}
		})
		queue.OnComplete(func(result uploadqueue.CompleteResult) {
			if result.Success {
				fmt.Printf("\r%-40s 完成 -> %s\n", result.FileName, result.URL)
			} else {
				fmt.Printf("\r%-40s 失败(%s): %s\n", result.FileName, result.Status, result.Error)
			}
		})

		var blobs []model.FileBlob
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				log.Fatalf("读取文件失败: %s, 错误: %v", path, err)
			}
			contentType := mime.TypeByExtension(filepath.Ext(path))
			if contentType == "" {
				contentType = http.DetectContentType(data)
			}
			blobs = append(blobs, model.FileBlob{
				Name:        filepath.Base(path),
				ContentType: contentType,
				Size:        int64(len(data)),
				Data:        data,
			})
		}

		batch, rejected := queue.Submit(uploadOwnerID, uploadAssociationID, blobs)
		for _, r := range rejected {
			fmt.Printf("%-40s 拒绝: %s\n", r.Name, r.Reason)
		}

		if err := batch.Wait(ctx); err != nil {
			fmt.Println("\n已中断，取消剩余任务...")
			queue.CancelAll()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := queue.Shutdown(shutdownCtx); err != nil {
			log.Errorf("关闭上传队列失败: %v", err)
		}

		stats := queue.Stats()
		fmt.Printf("完成 %d, 失败 %d, 取消 %d\n", stats.Completed, stats.Error, stats.Cancelled)
	},
}

func init() {
	uploadCmd.Flags().UintVar(&uploadOwnerID, "owner", 1, "上传者用户 ID")
	uploadCmd.Flags().StringVar(&uploadAssociationID, "association", "", "关联对象标识")
	rootCmd.AddCommand(uploadCmd)
}
