//go:build camera

package main

// 注册系统摄像头驱动
import _ "github.com/pion/mediadevices/pkg/driver/camera"

const cameraBuild = true
