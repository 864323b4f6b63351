// cefguard 宿主程序：监视目标进程，在其启动时注入拦截模块并下发过滤规则。
package main

func main() {
	Execute()
}
